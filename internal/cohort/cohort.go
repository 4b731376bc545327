// Package cohort folds per-question session metrics into baseline statistics.
//
// The fold is an Accumulator: Add one session's resolved metrics, Merge
// partial accumulators built on separate goroutines, then Finalize once.
// Add and Merge are commutative and associative; Finalize sorts samples so
// the result does not depend on fold order.
package cohort

import (
	"errors"
	"math"
	"sort"

	"proctorlens/internal/replay"
)

// MinAttemptSeconds is the focus time a metric needs to contribute.
const MinAttemptSeconds = 0.1

// statPrecision is the number of decimals kept in finalized statistics.
const statPrecision = 3

// ErrEmptyCohort reports that no session contributed any sample.
var ErrEmptyCohort = errors.New("cohort has no samples")

// Stat is the baseline for one question.
type Stat struct {
	MeanTime          float64 `json:"global_avg_time"`
	StdDevTime        float64 `json:"global_std_dev_time"`
	MeanAccuracy      float64 `json:"global_accuracy"`
	MeanTabSwitches   float64 `json:"global_avg_tab_switches"`
	MeanAnswerChanges float64 `json:"global_avg_answer_changes"`
	SampleCount       int     `json:"global_attempt_count"`
}

// Stats maps question id to its baseline.
type Stats map[string]Stat

// Samples returns the total sample count across questions.
func (s Stats) Samples() int {
	n := 0
	for _, st := range s {
		n += st.SampleCount
	}
	return n
}

// Check returns ErrEmptyCohort when no question has samples. Empty stats are
// still valid input for scoring.
func (s Stats) Check() error {
	if s.Samples() == 0 {
		return ErrEmptyCohort
	}
	return nil
}

// IDs returns the question ids in sorted order.
func (s Stats) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type samples struct {
	times       []float64
	correctness []float64
	tabs        []float64
	changes     []float64
}

// Accumulator collects raw samples. The zero value is not usable; call New.
type Accumulator struct {
	questions map[string]*samples
	sessions  int
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{questions: make(map[string]*samples)}
}

// Add folds one session's resolved metrics. Only metrics with more than
// MinAttemptSeconds of focus contribute, to every list.
func (a *Accumulator) Add(metrics []replay.QuestionMetric) {
	a.sessions++
	for _, m := range metrics {
		if m.TimeSpent <= MinAttemptSeconds {
			continue
		}
		s := a.get(m.QuestionID)
		s.times = append(s.times, m.TimeSpent)
		if m.Outcome.Defined() {
			s.correctness = append(s.correctness, m.Outcome.Score())
		}
		s.tabs = append(s.tabs, float64(m.TabSwitches))
		s.changes = append(s.changes, float64(m.AnswerChanges))
	}
}

// Merge folds other into a. other must not be used afterwards.
func (a *Accumulator) Merge(other *Accumulator) {
	if other == nil {
		return
	}
	a.sessions += other.sessions
	for id, o := range other.questions {
		s := a.get(id)
		s.times = append(s.times, o.times...)
		s.correctness = append(s.correctness, o.correctness...)
		s.tabs = append(s.tabs, o.tabs...)
		s.changes = append(s.changes, o.changes...)
	}
}

// Sessions returns the number of sessions folded in.
func (a *Accumulator) Sessions() int {
	return a.sessions
}

// Finalize computes one Stat per id in questionIDs. Questions without samples
// get an all-zero Stat with SampleCount 0.
func (a *Accumulator) Finalize(questionIDs []string) Stats {
	out := make(Stats, len(questionIDs))
	for _, id := range questionIDs {
		s, ok := a.questions[id]
		if !ok {
			out[id] = Stat{}
			continue
		}
		out[id] = Stat{
			MeanTime:          round(mean(s.times)),
			StdDevTime:        round(populationStdDev(s.times)),
			MeanAccuracy:      round(mean(s.correctness)),
			MeanTabSwitches:   round(mean(s.tabs)),
			MeanAnswerChanges: round(mean(s.changes)),
			SampleCount:       len(s.times),
		}
	}
	return out
}

func (a *Accumulator) get(id string) *samples {
	s, ok := a.questions[id]
	if !ok {
		s = &samples{}
		a.questions[id] = s
	}
	return s
}

// mean of sorted values, 0 when empty.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// populationStdDev is zero for fewer than two samples.
func populationStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sorted := sortedCopy(values)
	var sumSq float64
	for _, v := range sorted {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(sorted)))
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

func round(v float64) float64 {
	p := math.Pow(10, statPrecision)
	return math.Round(v*p) / p
}
