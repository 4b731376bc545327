// Package scoring standardizes session metrics against cohort baselines.
package scoring

import (
	"proctorlens/internal/cohort"
	"proctorlens/internal/replay"
)

// Degenerate-variance constants.
const (
	// MinStdDev is the deviation below which a cohort is treated as zero-variance.
	MinStdDev = 1e-6

	// SaturatedZ is returned for a time away from a zero-variance mean.
	SaturatedZ = 5.0
)

// ZScore standardizes time against a baseline. With a zero-variance baseline
// it saturates at ±SaturatedZ, or returns 0 when time equals the mean.
func ZScore(time float64, st cohort.Stat) float64 {
	if st.StdDevTime > MinStdDev {
		return (time - st.MeanTime) / st.StdDevTime
	}
	switch {
	case time > st.MeanTime+MinStdDev:
		return SaturatedZ
	case time < st.MeanTime-MinStdDev:
		return -SaturatedZ
	default:
		return 0
	}
}

// Scored pairs a metric with its time z-score.
type Scored struct {
	replay.QuestionMetric

	ZScore float64 `json:"time_z_score"`

	// HasZScore is false when the question has no baseline.
	HasZScore bool `json:"has_z_score"`
}

// Score computes z-scores for metrics whose question has a sampled baseline
// in stats.
func Score(metrics []replay.QuestionMetric, stats cohort.Stats) []Scored {
	out := make([]Scored, 0, len(metrics))
	for _, m := range metrics {
		s := Scored{QuestionMetric: m}
		if st, ok := stats[m.QuestionID]; ok && st.SampleCount > 0 {
			s.ZScore = ZScore(m.TimeSpent, st)
			s.HasZScore = true
		}
		out = append(out, s)
	}
	return out
}

// Expectation is what the cohort predicts for a set of questions.
type Expectation struct {
	// Accuracy is the mean baseline accuracy over questions with a baseline.
	Accuracy float64

	TabSwitches   float64
	AnswerChanges float64
}

// Expect sums cohort expectations over the given question ids. Ids without a
// sampled baseline contribute nothing. Ids are counted once even if repeated.
func Expect(questionIDs []string, stats cohort.Stats) Expectation {
	var (
		exp     Expectation
		accSum  float64
		accSeen int
		seen    = make(map[string]bool, len(questionIDs))
	)
	for _, id := range questionIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		st, ok := stats[id]
		if !ok || st.SampleCount == 0 {
			continue
		}
		accSum += st.MeanAccuracy
		accSeen++
		exp.TabSwitches += st.MeanTabSwitches
		exp.AnswerChanges += st.MeanAnswerChanges
	}
	if accSeen > 0 {
		exp.Accuracy = accSum / float64(accSeen)
	}
	return exp
}
