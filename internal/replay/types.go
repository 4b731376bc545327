// Package replay reconstructs per-question attention intervals from an
// ordered session event stream.
package replay

// Outcome is the tri-state correctness of a question's final answer.
type Outcome int8

const (
	OutcomeUnanswered Outcome = iota
	OutcomeIncorrect
	OutcomeCorrect
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCorrect:
		return "correct"
	case OutcomeIncorrect:
		return "incorrect"
	default:
		return "unanswered"
	}
}

// Defined reports whether the outcome counts toward accuracy.
func (o Outcome) Defined() bool {
	return o == OutcomeCorrect || o == OutcomeIncorrect
}

// Score is 1 for correct and 0 otherwise.
func (o Outcome) Score() float64 {
	if o == OutcomeCorrect {
		return 1
	}
	return 0
}

// QuestionMetric is the per-question result of replaying one session.
type QuestionMetric struct {
	QuestionID string `json:"question_id"`

	// TimeSpent is accumulated focus time in seconds. Never negative.
	TimeSpent float64 `json:"time_spent"`

	Outcome       Outcome `json:"outcome"`
	AnswerChanges int     `json:"answer_changes"`
	TabSwitches   int     `json:"tab_switches"`
	Revisited     bool    `json:"is_revisited"`

	// Attempted is set once the question has held focus.
	Attempted bool `json:"is_attempted"`

	// LastOption is the final selected option, or nil if none or cleared.
	LastOption *int `json:"last_option,omitempty"`
}

// Result is the outcome of replaying one session.
type Result struct {
	// Metrics holds one entry per distinct question id, in order of first focus.
	Metrics []QuestionMetric

	// Unattributed counts interaction events seen while no question held focus.
	Unattributed int
}

// TotalTime sums TimeSpent over all metrics.
func (r *Result) TotalTime() float64 {
	var total float64
	for _, m := range r.Metrics {
		total += m.TimeSpent
	}
	return total
}
