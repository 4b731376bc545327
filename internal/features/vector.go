// Package features reduces a scored session into the fixed-order feature
// vector consumed by the downstream classifier.
package features

import (
	"fmt"
	"math"
)

// NumFeatures is the length of a Vector.
const NumFeatures = 24

// Names lists feature names in column order. Consumers index by position, so
// this order must never change.
var Names = [NumFeatures]string{
	"total_duration",
	"time_until_first_answer",
	"time_between_last_answer_and_submit",

	"mean_time_per_question",
	"std_dev_time_per_question",
	"median_time_per_question",
	"min_time_per_question",
	"max_time_per_question",

	"num_tab_switches",
	"num_answer_changes",
	"num_revisits",

	"num_questions_attempted",

	"accuracy",

	"mean_time_z_score",
	"min_time_z_score",
	"max_time_z_score",
	"std_dev_time_z_score",
	"accuracy_deviation",
	"tab_switch_deviation",
	"answer_change_deviation",

	"proportion_questions_fast",
	"proportion_questions_correct_and_fast",
	"proportion_questions_with_tab_switch",
	"answer_change_rate",
}

// Vector is one session's features. Field order matches Names, and JSON
// encoding preserves it.
type Vector struct {
	TotalDuration                    float64 `json:"total_duration"`
	TimeUntilFirstAnswer             float64 `json:"time_until_first_answer"`
	TimeBetweenLastAnswerAndSubmit   float64 `json:"time_between_last_answer_and_submit"`
	MeanTimePerQuestion              float64 `json:"mean_time_per_question"`
	StdDevTimePerQuestion            float64 `json:"std_dev_time_per_question"`
	MedianTimePerQuestion            float64 `json:"median_time_per_question"`
	MinTimePerQuestion               float64 `json:"min_time_per_question"`
	MaxTimePerQuestion               float64 `json:"max_time_per_question"`
	NumTabSwitches                   float64 `json:"num_tab_switches"`
	NumAnswerChanges                 float64 `json:"num_answer_changes"`
	NumRevisits                      float64 `json:"num_revisits"`
	NumQuestionsAttempted            float64 `json:"num_questions_attempted"`
	Accuracy                         float64 `json:"accuracy"`
	MeanTimeZScore                   float64 `json:"mean_time_z_score"`
	MinTimeZScore                    float64 `json:"min_time_z_score"`
	MaxTimeZScore                    float64 `json:"max_time_z_score"`
	StdDevTimeZScore                 float64 `json:"std_dev_time_z_score"`
	AccuracyDeviation                float64 `json:"accuracy_deviation"`
	TabSwitchDeviation               float64 `json:"tab_switch_deviation"`
	AnswerChangeDeviation            float64 `json:"answer_change_deviation"`
	ProportionQuestionsFast          float64 `json:"proportion_questions_fast"`
	ProportionQuestionsCorrectFast   float64 `json:"proportion_questions_correct_and_fast"`
	ProportionQuestionsWithTabSwitch float64 `json:"proportion_questions_with_tab_switch"`
	AnswerChangeRate                 float64 `json:"answer_change_rate"`
}

// fields returns pointers to the vector's fields in Names order.
func (v *Vector) fields() [NumFeatures]*float64 {
	return [NumFeatures]*float64{
		&v.TotalDuration,
		&v.TimeUntilFirstAnswer,
		&v.TimeBetweenLastAnswerAndSubmit,
		&v.MeanTimePerQuestion,
		&v.StdDevTimePerQuestion,
		&v.MedianTimePerQuestion,
		&v.MinTimePerQuestion,
		&v.MaxTimePerQuestion,
		&v.NumTabSwitches,
		&v.NumAnswerChanges,
		&v.NumRevisits,
		&v.NumQuestionsAttempted,
		&v.Accuracy,
		&v.MeanTimeZScore,
		&v.MinTimeZScore,
		&v.MaxTimeZScore,
		&v.StdDevTimeZScore,
		&v.AccuracyDeviation,
		&v.TabSwitchDeviation,
		&v.AnswerChangeDeviation,
		&v.ProportionQuestionsFast,
		&v.ProportionQuestionsCorrectFast,
		&v.ProportionQuestionsWithTabSwitch,
		&v.AnswerChangeRate,
	}
}

// Values returns the features in column order.
func (v Vector) Values() []float64 {
	out := make([]float64, NumFeatures)
	for i, p := range v.fields() {
		out[i] = *p
	}
	return out
}

// Map returns the features keyed by name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, NumFeatures)
	for i, p := range v.fields() {
		out[Names[i]] = *p
	}
	return out
}

// Get returns a feature by name.
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range Names {
		if n == name {
			return *v.fields()[i], true
		}
	}
	return 0, false
}

// FromValues builds a Vector from column-ordered values.
func FromValues(values []float64) (Vector, error) {
	var v Vector
	if len(values) != NumFeatures {
		return v, fmt.Errorf("feature vector has %d values, want %d", len(values), NumFeatures)
	}
	for i, p := range v.fields() {
		*p = values[i]
	}
	return v, nil
}

// finalize rounds every feature to four decimals and replaces NaN and ±Inf
// with zero.
func (v *Vector) finalize() {
	for _, p := range v.fields() {
		*p = clean(*p)
	}
}

func clean(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	r := math.Round(x*1e4) / 1e4
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	// Avoid -0 in output.
	if r == 0 {
		return 0
	}
	return r
}
