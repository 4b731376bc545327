package replay

import (
	"time"

	"proctorlens/internal/eventlog"
)

type state uint8

const (
	stateIdle state = iota
	stateFocused
)

// Reconstructor walks a sorted event stream once and attributes the time
// between boundary events to the question that held focus. A Reconstructor
// is owned by a single goroutine and must not be reused across sessions.
type Reconstructor struct {
	state    state
	focus    string
	boundary time.Time

	metrics map[string]*QuestionMetric
	order   []string
	visited map[string]bool

	unattributed int
}

// NewReconstructor returns an idle reconstructor.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{
		metrics: make(map[string]*QuestionMetric),
		visited: make(map[string]bool),
	}
}

// Replay runs a fresh reconstructor over the stream.
func Replay(stream eventlog.Stream) *Result {
	r := NewReconstructor()
	last := len(stream) - 1
	for i, e := range stream {
		r.Step(e, i == last)
	}
	return r.Result()
}

// Step applies one event. final marks the last event of the stream, which
// closes any open interval after its own effect is applied.
func (r *Reconstructor) Step(e eventlog.Event, final bool) {
	kind := e.Activity.Kind

	switch {
	case kind.IsBoundary():
		r.closeInterval(e.Time)
		r.focusOn(e.Location, e.Time)
		if kind == eventlog.KindQuestionSelected && r.state == stateFocused {
			r.markVisit(r.focus)
		}

	case kind == eventlog.KindTestSubmitted:
		r.closeInterval(e.Time)
		r.goIdle()
		return
	}

	r.apply(e)

	if final {
		r.closeInterval(e.Time)
		r.goIdle()
	}
}

// Result returns the metrics gathered so far in order of first focus.
func (r *Reconstructor) Result() *Result {
	out := &Result{
		Metrics:      make([]QuestionMetric, 0, len(r.order)),
		Unattributed: r.unattributed,
	}
	for _, id := range r.order {
		m := *r.metrics[id]
		if m.LastOption != nil {
			opt := *m.LastOption
			m.LastOption = &opt
		}
		out.Metrics = append(out.Metrics, m)
	}
	return out
}

// closeInterval charges the time since the last boundary to the focused
// question. Inverted timestamps charge nothing.
func (r *Reconstructor) closeInterval(at time.Time) {
	if r.state != stateFocused {
		return
	}
	elapsed := at.Sub(r.boundary).Seconds()
	if elapsed > 0 {
		r.metric(r.focus).TimeSpent += elapsed
	}
	r.boundary = at
}

func (r *Reconstructor) focusOn(questionID string, at time.Time) {
	r.boundary = at
	if questionID == "" {
		r.state = stateIdle
		r.focus = ""
		return
	}
	r.state = stateFocused
	r.focus = questionID
	r.metric(questionID)
}

func (r *Reconstructor) goIdle() {
	r.state = stateIdle
	r.focus = ""
}

func (r *Reconstructor) markVisit(questionID string) {
	if r.visited[questionID] {
		r.metric(questionID).Revisited = true
	}
	r.visited[questionID] = true
}

// apply records the interaction carried by e on the focused question.
func (r *Reconstructor) apply(e eventlog.Event) {
	kind := e.Activity.Kind

	if r.state != stateFocused {
		switch kind {
		case eventlog.KindTabSwitched, eventlog.KindReturnedToTab,
			eventlog.KindOptionSelected, eventlog.KindOptionCleared:
			r.unattributed++
		}
		return
	}

	m := r.metric(r.focus)
	m.Attempted = true

	switch kind {
	case eventlog.KindTabSwitched:
		m.TabSwitches++
	case eventlog.KindOptionCleared:
		m.AnswerChanges++
		m.LastOption = nil
	case eventlog.KindOptionSelected:
		opt := e.Activity.Option
		m.LastOption = &opt
	}
}

// metric returns the metric for id, creating it on first use.
func (r *Reconstructor) metric(id string) *QuestionMetric {
	m, ok := r.metrics[id]
	if !ok {
		m = &QuestionMetric{QuestionID: id}
		r.metrics[id] = m
		r.order = append(r.order, id)
	}
	return m
}
