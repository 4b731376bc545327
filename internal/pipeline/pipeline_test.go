package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorlens/internal/cohort"
	"proctorlens/internal/eventlog"
	"proctorlens/internal/grading"
	"proctorlens/internal/logging"
	"proctorlens/internal/metrics"
)

var t0 = time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

func raw(at float64, text, loc string) eventlog.RawEvent {
	e := eventlog.RawEvent{
		Timestamp:    t0.Add(time.Duration(at * float64(time.Second))).Format(time.RFC3339Nano),
		ActivityText: text,
	}
	if loc != "" {
		e.Location = eventlog.StringPtr(loc)
	}
	return e
}

func intp(i int) *int { return &i }

func questions() []grading.Question {
	return []grading.Question{
		{ID: "q1", CorrectAnswer: intp(0)},
		{ID: "q2", CorrectAnswer: intp(1)},
	}
}

// session answers q1 with opt after q1Time seconds, then q2 with 1 after q2Time more.
func session(id string, q1Time, q2Time float64, opt int) Session {
	return Session{
		ID: id,
		Events: []eventlog.RawEvent{
			raw(0, "Test Started", ""),
			raw(0, "Selected question 0", "q1"),
			raw(q1Time-1, fmt.Sprintf("Selected option %d for question 0", opt), "q1"),
			raw(q1Time, "Selected question 1", "q2"),
			raw(q1Time+q2Time-1, "Selected option 1 for question 1", "q2"),
			raw(q1Time+q2Time, "Submitted Test", "q2"),
		},
	}
}

func processor(workers int, rec Recorder) *Processor {
	return NewProcessor(Options{Workers: workers, Logger: logging.Discard(), Recorder: rec})
}

// =============================================================================
// Batch Documents
// =============================================================================

func TestParseBatchLegacyKeys(t *testing.T) {
	doc := `{
		"all_user_logs": [
			{"userId": 17, "session_log_events": [
				{"timestamp": "2025-05-02T10:00:00Z", "activity_text": "Test Started", "location": null}
			]},
			{"userId": "u-2", "session_log_events": []},
			{"session_log_events": []}
		],
		"questions_data": [{"id": "q1", "text": "2+2?", "options": ["3", "4"], "correct_answer": 1}]
	}`

	b, err := ParseBatch([]byte(doc))
	require.NoError(t, err)
	require.Len(t, b.Sessions, 3)
	assert.Equal(t, "17", b.Sessions[0].ID)
	assert.Len(t, b.Sessions[0].Events, 1)
	assert.Nil(t, b.Sessions[0].Events[0].Location)
	assert.Equal(t, "u-2", b.Sessions[1].ID)
	assert.Equal(t, "session-3", b.Sessions[2].ID)
	require.Len(t, b.Questions, 1)
	assert.Equal(t, 1, *b.Questions[0].CorrectAnswer)
	assert.NotEmpty(t, b.BatchID)
}

func TestParseBatchCurrentKeys(t *testing.T) {
	doc := `{
		"batch_id": "b-7",
		"sessions": [{"session_id": "s1", "center_id": "c1", "label": 1, "events": []}],
		"questions": [{"id": "q1", "correct_answer": null}]
	}`

	b, err := ParseBatch([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "b-7", b.BatchID)
	require.Len(t, b.Sessions, 1)
	assert.Equal(t, "c1", b.Sessions[0].CenterID)
	require.NotNil(t, b.Sessions[0].Label)
	assert.Equal(t, 1, *b.Sessions[0].Label)
	assert.Nil(t, b.Questions[0].CorrectAnswer)
	assert.Equal(t, map[string]string{"s1": "c1"}, b.Centers())
}

func TestLoadBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sessions": [], "questions": []}`), 0600))

	b, err := LoadBatch(path)
	require.NoError(t, err)
	assert.Empty(t, b.Sessions)

	_, err = LoadBatch(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = DecodeBatch(strings.NewReader("{"))
	assert.Error(t, err)
}

// =============================================================================
// Run
// =============================================================================

func TestRunBuildsOneCohort(t *testing.T) {
	batch := &Batch{
		BatchID:   "b1",
		Questions: questions(),
		Sessions: []Session{
			session("s1", 10, 20, 0),
			session("s2", 20, 20, 0),
			session("s3", 30, 20, 2),
		},
	}

	res, err := processor(2, nil).Run(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 3)
	assert.Equal(t, "b1", res.BatchID)
	assert.Equal(t, 3, res.CohortSessions)
	assert.Zero(t, res.Failed())

	q1 := res.Stats["q1"]
	assert.Equal(t, 20.0, q1.MeanTime)
	assert.Equal(t, 8.165, q1.StdDevTime)
	assert.Equal(t, 0.667, q1.MeanAccuracy)
	assert.Equal(t, 3, q1.SampleCount)
	assert.Equal(t, 0.0, res.Stats["q2"].StdDevTime)

	for i, s := range res.Sessions {
		assert.Equal(t, batch.Sessions[i].ID, s.SessionID, "input order preserved")
		assert.Equal(t, 2.0, s.Vector.NumQuestionsAttempted)
	}

	// s1 is one cohort stddev below the mean on q1.
	s1 := res.Sessions[0]
	assert.InDelta(t, -1.2247, s1.Metrics[0].ZScore, 1e-4)
	assert.Equal(t, 1.0, s1.Vector.Accuracy)
	assert.Equal(t, 0.0, res.Sessions[2].Vector.ProportionQuestionsCorrectFast)
}

func TestRunWorkerCountDoesNotChangeOutput(t *testing.T) {
	batch := &Batch{BatchID: "b", Questions: questions()}
	for i := 0; i < 25; i++ {
		batch.Sessions = append(batch.Sessions, session(fmt.Sprintf("s%d", i), float64(5+i%7), float64(3+i%4), i%3))
	}

	one, err := processor(1, nil).Run(context.Background(), batch)
	require.NoError(t, err)
	many, err := processor(8, nil).Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, one.Stats, many.Stats)
	require.Len(t, many.Sessions, len(one.Sessions))
	for i := range one.Sessions {
		assert.Equal(t, one.Sessions[i].Vector, many.Sessions[i].Vector)
	}
}

func TestRunMissingQuestionSet(t *testing.T) {
	_, err := processor(1, nil).Run(context.Background(), &Batch{Sessions: []Session{session("s", 1, 1, 0)}})
	assert.ErrorIs(t, err, grading.ErrMissingQuestionSet)

	_, err = processor(1, nil).Run(context.Background(), nil)
	assert.ErrorIs(t, err, grading.ErrMissingQuestionSet)
}

func TestRunCancelled(t *testing.T) {
	batch := &Batch{Questions: questions(), Sessions: []Session{session("s1", 5, 5, 0)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := processor(2, nil).Run(ctx, batch)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunIsolatesBadSessions(t *testing.T) {
	m := metrics.New()
	batch := &Batch{
		Questions: questions(),
		Sessions: []Session{
			session("good", 10, 10, 0),
			{ID: "empty"},
			{ID: "garbage", Events: []eventlog.RawEvent{
				{Timestamp: "not a time", ActivityText: "Test Started"},
				raw(0, "Test Started", "q1"),
				raw(1, "Danced around", "q1"),
				raw(2, "Selected question 0", "q9"),
				raw(4, "Submitted Test", "q9"),
			}},
		},
	}

	res, err := processor(3, m).Run(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 3)
	assert.Zero(t, res.Failed())

	empty := res.Sessions[1]
	assert.True(t, empty.Quality.Empty)
	for _, x := range empty.Vector.Values() {
		assert.Equal(t, 0.0, x)
	}

	garbage := res.Sessions[2].Quality
	assert.Equal(t, 5, garbage.Events)
	assert.Equal(t, 1, garbage.InvalidTimestamps)
	assert.Equal(t, 1, garbage.MalformedActivities)
	assert.Equal(t, []string{"q9"}, garbage.UnknownQuestions)
	assert.Equal(t, 1.0, res.Sessions[2].Vector.NumQuestionsAttempted, "q9 is not in the bank")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(metrics.ReasonInvalidTimestamp)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(metrics.ReasonUnknownQuestion)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsProcessed.WithLabelValues(metrics.StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsProcessed.WithLabelValues(metrics.StatusEmpty)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CohortQuestions))

	rows := res.Rows()
	assert.Len(t, rows, 3)
}

func TestGuardRecoversPanic(t *testing.T) {
	p := processor(1, nil)
	err := p.guard("b", "s", func() { panic("boom") })
	assert.ErrorIs(t, err, ErrSessionPanic)
	assert.Contains(t, err.Error(), "boom")

	dir := t.TempDir()
	p = NewProcessor(Options{
		Logger: logging.Discard(),
		Crash:  logging.NewCrashHandler(&logging.CrashHandlerConfig{CrashDir: dir, Component: "pipeline", Logger: logging.Discard()}),
	})
	err = p.guard("b", "s", func() { panic(errors.New("nil map")) })
	assert.ErrorIs(t, err, ErrSessionPanic)

	dumps, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	require.NoError(t, err)
	assert.Len(t, dumps, 1)

	assert.NoError(t, p.guard("b", "s", func() {}))
}

// =============================================================================
// Single Session
// =============================================================================

func TestScoreSession(t *testing.T) {
	bank, err := grading.NewBank(questions())
	require.NoError(t, err)
	stats := cohort.Stats{"q1": {MeanTime: 10, StdDevTime: 2, MeanAccuracy: 1, SampleCount: 4}}

	res := processor(1, nil).ScoreSession("", session("solo", 6, 10, 0), bank, stats)
	require.False(t, res.Failed())
	require.Len(t, res.Metrics, 2)

	assert.True(t, res.Metrics[0].HasZScore)
	assert.InDelta(t, -2.0, res.Metrics[0].ZScore, 1e-9)
	assert.False(t, res.Metrics[1].HasZScore, "q2 has no baseline")
	assert.Equal(t, 0.5, res.Vector.ProportionQuestionsFast)
	assert.Equal(t, -2.0, res.Vector.MeanTimeZScore)
}

func TestScoreSessionUnsampledQuestion(t *testing.T) {
	bank, err := grading.NewBank(questions())
	require.NoError(t, err)
	// q2 is in the stored cohort but no cohort session attempted it.
	stats := cohort.Stats{
		"q1": {MeanTime: 30, StdDevTime: 10, MeanAccuracy: 1, SampleCount: 5},
		"q2": {},
	}

	res := processor(1, nil).ScoreSession("", session("solo", 30, 30, 0), bank, stats)
	require.False(t, res.Failed())
	require.Len(t, res.Metrics, 2)

	assert.True(t, res.Metrics[0].HasZScore)
	assert.False(t, res.Metrics[1].HasZScore, "unsampled q2 gets no z-score")
	assert.Equal(t, 0.0, res.Metrics[1].ZScore)
	assert.Equal(t, 0.0, res.Vector.MeanTimeZScore)
	assert.Equal(t, 1.0, res.Vector.Accuracy)
	assert.Equal(t, 0.0, res.Vector.AccuracyDeviation, "q2 is left out of expected accuracy")
}

func TestScoreBatchAgainstCohortMissingQuestion(t *testing.T) {
	only := func(id string, secs float64) Session {
		return Session{ID: id, Events: []eventlog.RawEvent{
			raw(0, "Test Started", ""),
			raw(0, "Selected question 0", "q1"),
			raw(secs-1, "Selected option 0 for question 0", "q1"),
			raw(secs, "Submitted Test", "q1"),
		}}
	}
	base := &Batch{
		BatchID:   "q1-only",
		Questions: questions(),
		Sessions:  []Session{only("a", 10), only("b", 20)},
	}
	p := processor(2, nil)

	built, err := p.Run(context.Background(), base)
	require.NoError(t, err)
	require.Contains(t, built.Stats, "q2")
	assert.Equal(t, 0, built.Stats["q2"].SampleCount)

	bank, err := grading.NewBank(questions())
	require.NoError(t, err)
	later := &Batch{BatchID: "later", Questions: questions(), Sessions: []Session{session("c", 15, 30, 0)}}

	res, err := p.ScoreBatch(context.Background(), later, bank, built.Stats)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 1)
	sr := res.Sessions[0]
	require.Len(t, sr.Metrics, 2)
	assert.True(t, sr.Metrics[0].HasZScore)
	assert.False(t, sr.Metrics[1].HasZScore)
	assert.InDelta(t, sr.Metrics[0].ZScore, sr.Vector.MeanTimeZScore, 1e-9, "only q1 contributes")
	assert.Equal(t, 0.0, sr.Vector.AccuracyDeviation)
}

func TestScoreBatch(t *testing.T) {
	bank, err := grading.NewBank(questions())
	require.NoError(t, err)
	stats := cohort.Stats{
		"q1": {MeanTime: 10, StdDevTime: 2, MeanAccuracy: 1, SampleCount: 4},
		"q2": {MeanTime: 10, StdDevTime: 2, MeanAccuracy: 1, SampleCount: 4},
	}
	batch := &Batch{
		BatchID:   "stored",
		Questions: questions(),
		Sessions:  []Session{session("a", 6, 10, 0), session("b", 10, 10, 0)},
	}

	res, err := processor(2, nil).ScoreBatch(context.Background(), batch, bank, stats)
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "a", res.Sessions[0].SessionID)
	assert.Equal(t, bank.Fingerprint(), res.BankFingerprint)
	assert.Equal(t, stats, res.Stats, "stored statistics are used unchanged")
	assert.InDelta(t, -2.0, res.Sessions[0].Metrics[0].ZScore, 1e-9)
	assert.InDelta(t, 0.0, res.Sessions[1].Metrics[0].ZScore, 1e-9)

	_, err = processor(1, nil).ScoreBatch(context.Background(), batch, nil, stats)
	assert.ErrorIs(t, err, grading.ErrMissingQuestionSet)
}
