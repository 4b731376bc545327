package eventlog

import (
	"sort"
	"time"
)

// RawEvent is one interaction record as ingested from a session log.
type RawEvent struct {
	Timestamp    string  `json:"timestamp" yaml:"timestamp"`
	ActivityText string  `json:"activity_text" yaml:"activity_text"`
	Location     *string `json:"location" yaml:"location"`
}

// Event is a normalized interaction record. Events are never mutated after
// Build returns them.
type Event struct {
	Time     time.Time
	Activity Activity

	// Location is the question id the portal attached, or "".
	Location string

	// Text is the original activity text.
	Text string
}

// BuildStats counts what happened to the raw records of one session.
type BuildStats struct {
	Total               int `json:"total"`
	InvalidTimestamps   int `json:"invalid_timestamps"`
	MalformedActivities int `json:"malformed_activities"`
}

// Kept is the number of records that made it into the stream.
func (s BuildStats) Kept() int {
	return s.Total - s.InvalidTimestamps
}

// DropRate is the fraction of records dropped for bad timestamps.
func (s BuildStats) DropRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.InvalidTimestamps) / float64(s.Total)
}

// Stream is a time-ordered sequence of events.
type Stream []Event

// Build parses and orders raw records. Records with unparsable timestamps are
// dropped and counted. Records with unrecognized activity text are kept as
// KindUnknown so they still bound the session in time. Events sharing a
// timestamp keep their input order.
func Build(raw []RawEvent) (Stream, BuildStats) {
	stats := BuildStats{Total: len(raw)}
	stream := make(Stream, 0, len(raw))

	for _, r := range raw {
		ts, err := ParseTimestamp(r.Timestamp)
		if err != nil {
			stats.InvalidTimestamps++
			continue
		}

		act, err := ParseActivity(r.ActivityText)
		if err != nil {
			stats.MalformedActivities++
		}

		var loc string
		if r.Location != nil {
			loc = *r.Location
		}

		stream = append(stream, Event{
			Time:     ts,
			Activity: act,
			Location: loc,
			Text:     r.ActivityText,
		})
	}

	sort.SliceStable(stream, func(i, j int) bool {
		return stream[i].Time.Before(stream[j].Time)
	})

	return stream, stats
}

// Empty reports whether the stream has no events.
func (s Stream) Empty() bool {
	return len(s) == 0
}

// Start returns the time of the first event.
func (s Stream) Start() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[0].Time
}

// End returns the time of the last event.
func (s Stream) End() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[len(s)-1].Time
}

// Duration is the wall-clock span between the first and last event.
func (s Stream) Duration() time.Duration {
	return s.End().Sub(s.Start())
}

// First returns the earliest event of the given kind.
func (s Stream) First(kind Kind) (Event, bool) {
	for _, e := range s {
		if e.Activity.Kind == kind {
			return e, true
		}
	}
	return Event{}, false
}

// Last returns the latest event of the given kind.
func (s Stream) Last(kind Kind) (Event, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Activity.Kind == kind {
			return s[i], true
		}
	}
	return Event{}, false
}

// StringPtr is a helper for building RawEvent locations.
func StringPtr(s string) *string {
	return &s
}
