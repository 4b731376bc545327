package grading

import (
	"errors"

	"proctorlens/internal/replay"
)

// ErrUnknownQuestion marks a metric whose question id is not in the bank.
var ErrUnknownQuestion = errors.New("unknown question id")

// Resolution is the output of Resolve.
type Resolution struct {
	// Metrics are the known-question metrics with Outcome set.
	Metrics []replay.QuestionMetric

	// Unknown lists dropped question ids in first-seen order.
	Unknown []string
}

// Resolve sets each metric's Outcome by comparing its last selected option
// against the answer key. Metrics for ids the bank does not know are dropped
// and reported in Unknown. The input slice is not modified.
func Resolve(metrics []replay.QuestionMetric, bank *Bank) Resolution {
	res := Resolution{Metrics: make([]replay.QuestionMetric, 0, len(metrics))}

	for _, m := range metrics {
		q, ok := bank.Get(m.QuestionID)
		if !ok {
			res.Unknown = append(res.Unknown, m.QuestionID)
			continue
		}
		m.Outcome = Outcome(m.LastOption, q.CorrectAnswer)
		res.Metrics = append(res.Metrics, m)
	}
	return res
}

// Outcome compares a selected option against a reference answer.
func Outcome(selected, correct *int) replay.Outcome {
	switch {
	case selected == nil || correct == nil:
		return replay.OutcomeUnanswered
	case *selected == *correct:
		return replay.OutcomeCorrect
	default:
		return replay.OutcomeIncorrect
	}
}
