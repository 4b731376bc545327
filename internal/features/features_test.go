package features

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorlens/internal/cohort"
	"proctorlens/internal/eventlog"
	"proctorlens/internal/grading"
	"proctorlens/internal/replay"
	"proctorlens/internal/scoring"
)

var t0 = time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

type ev struct {
	at   float64
	text string
	loc  string
}

func stream(t *testing.T, rows ...ev) eventlog.Stream {
	t.Helper()
	raw := make([]eventlog.RawEvent, 0, len(rows))
	for _, r := range rows {
		e := eventlog.RawEvent{
			Timestamp:    t0.Add(time.Duration(r.at * float64(time.Second))).Format(time.RFC3339Nano),
			ActivityText: r.text,
		}
		if r.loc != "" {
			e.Location = eventlog.StringPtr(r.loc)
		}
		raw = append(raw, e)
	}
	s, _ := eventlog.Build(raw)
	return s
}

func intp(i int) *int { return &i }

func bank(t *testing.T, answers map[string]int) *grading.Bank {
	t.Helper()
	qs := make([]grading.Question, 0, len(answers))
	for id, a := range answers {
		qs = append(qs, grading.Question{ID: id, CorrectAnswer: intp(a)})
	}
	b, err := grading.NewBank(qs)
	require.NoError(t, err)
	return b
}

// pipe runs a stream through replay, grading and scoring.
func pipe(s eventlog.Stream, b *grading.Bank, stats cohort.Stats) Vector {
	res := grading.Resolve(replay.Replay(s).Metrics, b)
	return Aggregate(s, scoring.Score(res.Metrics, stats), stats)
}

func assertFinite(t *testing.T, v Vector) {
	t.Helper()
	for i, x := range v.Values() {
		assert.False(t, math.IsNaN(x) || math.IsInf(x, 0), "feature %s", Names[i])
	}
}

// =============================================================================
// Names and Vector
// =============================================================================

func TestNamesMatchJSONOrder(t *testing.T) {
	v, err := FromValues(func() []float64 {
		out := make([]float64, NumFeatures)
		for i := range out {
			out[i] = float64(i + 1)
		}
		return out
	}())
	require.NoError(t, err)

	data, err := json.Marshal(v)
	require.NoError(t, err)

	last := -1
	for i, name := range Names {
		idx := bytes.Index(data, []byte(`"`+name+`":`))
		require.GreaterOrEqual(t, idx, 0, name)
		assert.Greater(t, idx, last, "%s out of order", name)
		last = idx

		got, ok := v.Get(name)
		require.True(t, ok)
		assert.Equal(t, float64(i+1), got)
	}

	seen := make(map[string]bool)
	for _, n := range Names {
		assert.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
	assert.Len(t, v.Map(), NumFeatures)

	_, ok := v.Get("nope")
	assert.False(t, ok)

	_, err = FromValues([]float64{1, 2})
	assert.Error(t, err)
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.23456, 1.2346},
		{-0.00001, 0},
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{math.Inf(-1), 0},
		{2, 2},
	}
	for _, tt := range tests {
		got := clean(tt.in)
		assert.Equal(t, tt.want, got)
		assert.False(t, math.Signbit(got) && got == 0)
	}
}

// =============================================================================
// Aggregation
// =============================================================================

func TestAggregateSingleAnswerScenario(t *testing.T) {
	s := stream(t,
		ev{0, "Test Started", "q1"},
		ev{30, "Selected option 0 for question 0", "q1"},
		ev{31, "Submitted Test", "q1"},
	)
	stats := cohort.Stats{"q1": {MeanTime: 31, MeanAccuracy: 0.5, SampleCount: 1}}

	v := pipe(s, bank(t, map[string]int{"q1": 0}), stats)
	assert.Equal(t, 31.0, v.TotalDuration)
	assert.Equal(t, 30.0, v.TimeUntilFirstAnswer)
	assert.Equal(t, 1.0, v.TimeBetweenLastAnswerAndSubmit)
	assert.Equal(t, 31.0, v.MeanTimePerQuestion)
	assert.Equal(t, 31.0, v.MedianTimePerQuestion)
	assert.Equal(t, 0.0, v.StdDevTimePerQuestion)
	assert.Equal(t, 1.0, v.NumQuestionsAttempted)
	assert.Equal(t, 1.0, v.Accuracy)
	assert.Equal(t, 0.0, v.MeanTimeZScore)
	assert.Equal(t, 0.5, v.AccuracyDeviation)
	assert.Equal(t, 0.0, v.ProportionQuestionsFast)

	// Incorrect key flips accuracy.
	v = pipe(s, bank(t, map[string]int{"q1": 2}), stats)
	assert.Equal(t, 0.0, v.Accuracy)
	assert.Equal(t, -0.5, v.AccuracyDeviation)

	// Zero-variance cohort one second below saturates.
	stats["q1"] = cohort.Stat{MeanTime: 30, SampleCount: 1}
	v = pipe(s, bank(t, map[string]int{"q1": 0}), stats)
	assert.Equal(t, 5.0, v.MeanTimeZScore)
	assert.Equal(t, 5.0, v.MaxTimeZScore)
}

func TestAggregateNoQuestionsAttempted(t *testing.T) {
	s := stream(t,
		ev{0, "Test Started", ""},
		ev{40, "Submitted Test", ""},
	)

	v := pipe(s, bank(t, map[string]int{"q1": 0}), cohort.Stats{"q1": {MeanTime: 10, SampleCount: 2}})
	assertFinite(t, v)
	assert.Equal(t, 40.0, v.TotalDuration)
	assert.Equal(t, 40.0, v.TimeUntilFirstAnswer)
	assert.Equal(t, 0.0, v.NumQuestionsAttempted)
	assert.Equal(t, 0.0, v.ProportionQuestionsFast)
	assert.Equal(t, 0.0, v.ProportionQuestionsCorrectFast)
	assert.Equal(t, 0.0, v.ProportionQuestionsWithTabSwitch)
	assert.Equal(t, 0.0, v.AnswerChangeRate)
}

func TestAggregateEmptyStream(t *testing.T) {
	v := Aggregate(nil, nil, nil)
	assert.Equal(t, Vector{}, v)
}

func TestAggregateProportionsAndDeviations(t *testing.T) {
	s := stream(t,
		ev{0, "Test Started", ""},
		ev{0, "Selected question 0", "q1"},
		ev{2, "Selected option 1 for question 0", "q1"},
		ev{3, "Tab Switched", ""},
		ev{4, "Returned to Test Tab", ""},
		ev{5, "Selected question 1", "q2"},
		ev{25, "Selected option 0 for question 1", "q2"},
		ev{26, "Cleared option for question 1", "q2"},
		ev{27, "Selected option 2 for question 1", "q2"},
		ev{30, "Selected question 0", "q1"},
		ev{32, "Submitted Test", "q1"},
	)
	stats := cohort.Stats{
		"q1": {MeanTime: 30, StdDevTime: 10, MeanAccuracy: 0.5, MeanTabSwitches: 0.25, MeanAnswerChanges: 0.5, SampleCount: 4},
		"q2": {MeanTime: 20, StdDevTime: 5, MeanAccuracy: 1, MeanTabSwitches: 0, MeanAnswerChanges: 0.5, SampleCount: 4},
	}

	v := pipe(s, bank(t, map[string]int{"q1": 1, "q2": 2}), stats)
	assertFinite(t, v)

	// q1: 5 + 2 seconds, q2: 25 seconds.
	assert.Equal(t, 32.0, v.TotalDuration)
	assert.Equal(t, 2.0, v.TimeUntilFirstAnswer)
	assert.Equal(t, 5.0, v.TimeBetweenLastAnswerAndSubmit)
	assert.Equal(t, 16.0, v.MeanTimePerQuestion)
	assert.Equal(t, 7.0, v.MinTimePerQuestion)
	assert.Equal(t, 25.0, v.MaxTimePerQuestion)
	assert.Equal(t, 16.0, v.MedianTimePerQuestion)
	assert.Equal(t, 12.7279, v.StdDevTimePerQuestion)

	assert.Equal(t, 1.0, v.NumTabSwitches)
	assert.Equal(t, 1.0, v.NumAnswerChanges)
	assert.Equal(t, 1.0, v.NumRevisits)
	assert.Equal(t, 2.0, v.NumQuestionsAttempted)
	assert.Equal(t, 1.0, v.Accuracy)

	// z(q1) = (7-30)/10 = -2.3, z(q2) = (25-20)/5 = 1.
	assert.Equal(t, -0.65, v.MeanTimeZScore)
	assert.Equal(t, -2.3, v.MinTimeZScore)
	assert.Equal(t, 1.0, v.MaxTimeZScore)
	assert.Equal(t, 2.3335, v.StdDevTimeZScore)

	assert.Equal(t, 0.25, v.AccuracyDeviation)
	assert.Equal(t, 0.75, v.TabSwitchDeviation)
	assert.Equal(t, 0.0, v.AnswerChangeDeviation)

	assert.Equal(t, 0.5, v.ProportionQuestionsFast)
	assert.Equal(t, 0.5, v.ProportionQuestionsCorrectFast)
	assert.Equal(t, 0.5, v.ProportionQuestionsWithTabSwitch)
	assert.Equal(t, 0.5, v.AnswerChangeRate)
}

func TestAggregateUnknownBaseline(t *testing.T) {
	s := stream(t,
		ev{0, "Test Started", "q1"},
		ev{10, "Submitted Test", "q1"},
	)

	v := pipe(s, bank(t, map[string]int{"q1": 0}), cohort.Stats{})
	assertFinite(t, v)
	assert.Equal(t, 1.0, v.NumQuestionsAttempted)
	assert.Equal(t, 0.0, v.MeanTimeZScore)
	assert.Equal(t, 0.0, v.AccuracyDeviation)
}

func TestAggregateAnswerAfterSubmit(t *testing.T) {
	s := stream(t,
		ev{0, "Test Started", "q1"},
		ev{10, "Submitted Test", "q1"},
		ev{12, "Selected option 0 for question 0", "q1"},
	)

	v := pipe(s, bank(t, map[string]int{"q1": 0}), cohort.Stats{})
	assert.Equal(t, 12.0, v.TimeUntilFirstAnswer)
	assert.Equal(t, 0.0, v.TimeBetweenLastAnswerAndSubmit)
}

func TestAggregateIdempotent(t *testing.T) {
	s := stream(t,
		ev{0, "Test Started", "q1"},
		ev{3.3333, "Selected option 1 for question 0", "q1"},
		ev{7.1, "Selected question 1", "q2"},
		ev{19.77, "Selected option 0 for question 1", "q2"},
		ev{21, "Submitted Test", "q2"},
	)
	b := bank(t, map[string]int{"q1": 1, "q2": 3})
	stats := cohort.Stats{
		"q1": {MeanTime: 6.123, StdDevTime: 1.7, SampleCount: 3},
		"q2": {MeanTime: 11.9, StdDevTime: 0.3, MeanAccuracy: 0.42, SampleCount: 3},
	}

	first := pipe(s, b, stats)
	for i := 0; i < 5; i++ {
		again := pipe(s, b, stats)
		for j, x := range again.Values() {
			assert.Equal(t, math.Float64bits(first.Values()[j]), math.Float64bits(x), Names[j])
		}
	}
}

// =============================================================================
// Export
// =============================================================================

func TestWriteCSV(t *testing.T) {
	rows := []Row{
		{SessionID: "s1", Label: intp(1), Vector: Vector{TotalDuration: 31, Accuracy: 0.5}},
		{SessionID: "s2", Vector: Vector{TotalDuration: 12.25}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows, true))

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	header := records[0]
	assert.Equal(t, "session_id", header[0])
	assert.Equal(t, Names[:], header[1:NumFeatures+1])
	assert.Equal(t, "label", header[NumFeatures+1])

	assert.Equal(t, "s1", records[1][0])
	assert.Equal(t, "31", records[1][1])
	assert.Equal(t, "1", records[1][NumFeatures+1])
	assert.Equal(t, "12.25", records[2][1])
	assert.Equal(t, "", records[2][NumFeatures+1])

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, rows, false))
	first := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.NotContains(t, first, "label")
}

func TestWriteJSONLines(t *testing.T) {
	rows := []Row{
		{SessionID: "s1", Vector: Vector{Accuracy: 1}},
		{SessionID: "s2", Label: intp(0)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSONLines(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got Row
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, "s2", got.SessionID)
	require.NotNil(t, got.Label)
	assert.Equal(t, 0, *got.Label)
	assert.NotContains(t, lines[0], "label")
}
