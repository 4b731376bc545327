package cohort

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorlens/internal/replay"
)

func metric(id string, time float64, outcome replay.Outcome, tabs, changes int) replay.QuestionMetric {
	return replay.QuestionMetric{
		QuestionID:    id,
		TimeSpent:     time,
		Outcome:       outcome,
		TabSwitches:   tabs,
		AnswerChanges: changes,
		Attempted:     true,
	}
}

func TestFinalizeSingleSession(t *testing.T) {
	acc := New()
	acc.Add([]replay.QuestionMetric{
		metric("q1", 30, replay.OutcomeCorrect, 1, 2),
		metric("q2", 12.5, replay.OutcomeIncorrect, 0, 0),
	})

	stats := acc.Finalize([]string{"q1", "q2"})
	require.Len(t, stats, 2)

	q1 := stats["q1"]
	assert.Equal(t, 30.0, q1.MeanTime)
	assert.Equal(t, 0.0, q1.StdDevTime)
	assert.Equal(t, 1.0, q1.MeanAccuracy)
	assert.Equal(t, 1.0, q1.MeanTabSwitches)
	assert.Equal(t, 2.0, q1.MeanAnswerChanges)
	assert.Equal(t, 1, q1.SampleCount)

	assert.Equal(t, 0.0, stats["q2"].StdDevTime)
	assert.Equal(t, 0.0, stats["q2"].MeanAccuracy)
	assert.Equal(t, 1, acc.Sessions())
	assert.NoError(t, stats.Check())
}

func TestFinalizeStatistics(t *testing.T) {
	acc := New()
	acc.Add([]replay.QuestionMetric{metric("q1", 10, replay.OutcomeCorrect, 0, 1)})
	acc.Add([]replay.QuestionMetric{metric("q1", 20, replay.OutcomeIncorrect, 2, 0)})
	acc.Add([]replay.QuestionMetric{metric("q1", 30, replay.OutcomeUnanswered, 1, 0)})

	st := acc.Finalize([]string{"q1"})["q1"]
	assert.Equal(t, 20.0, st.MeanTime)
	// Population stddev of 10, 20, 30.
	assert.Equal(t, 8.165, st.StdDevTime)
	// Unanswered does not count toward accuracy.
	assert.Equal(t, 0.5, st.MeanAccuracy)
	assert.Equal(t, 1.0, st.MeanTabSwitches)
	assert.Equal(t, 0.333, st.MeanAnswerChanges)
	assert.Equal(t, 3, st.SampleCount)
}

func TestAddSkipsBelowAttemptThreshold(t *testing.T) {
	acc := New()
	acc.Add([]replay.QuestionMetric{
		metric("q1", 0.1, replay.OutcomeCorrect, 5, 5),
		metric("q1", 0.0, replay.OutcomeCorrect, 5, 5),
	})
	acc.Add([]replay.QuestionMetric{metric("q1", 0.11, replay.OutcomeIncorrect, 0, 0)})

	st := acc.Finalize([]string{"q1"})["q1"]
	assert.Equal(t, 1, st.SampleCount)
	assert.Equal(t, 0.11, st.MeanTime)
	assert.Equal(t, 0.0, st.MeanAccuracy)
	assert.Equal(t, 0.0, st.MeanTabSwitches)
}

func TestFinalizeUnseenQuestion(t *testing.T) {
	acc := New()
	acc.Add([]replay.QuestionMetric{metric("q1", 5, replay.OutcomeCorrect, 0, 0)})

	stats := acc.Finalize([]string{"q1", "q9"})
	assert.Equal(t, Stat{}, stats["q9"])

	// Ids outside the requested set are not reported.
	_, ok := acc.Finalize([]string{"q9"})["q1"]
	assert.False(t, ok)
}

func TestEmptyCohort(t *testing.T) {
	stats := New().Finalize([]string{"a", "b"})
	require.Len(t, stats, 2)
	assert.Equal(t, 0, stats.Samples())
	assert.ErrorIs(t, stats.Check(), ErrEmptyCohort)
	assert.Equal(t, []string{"a", "b"}, stats.IDs())
}

func TestMergeMatchesSequentialFold(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"q1", "q2", "q3", "q4"}
	outcomes := []replay.Outcome{replay.OutcomeCorrect, replay.OutcomeIncorrect, replay.OutcomeUnanswered}

	var sessions [][]replay.QuestionMetric
	for i := 0; i < 40; i++ {
		var ms []replay.QuestionMetric
		for _, id := range ids {
			if rng.Intn(4) == 0 {
				continue
			}
			ms = append(ms, metric(id, rng.Float64()*90, outcomes[rng.Intn(3)], rng.Intn(3), rng.Intn(3)))
		}
		sessions = append(sessions, ms)
	}

	sequential := New()
	for _, s := range sessions {
		sequential.Add(s)
	}

	// Four partials folded in a scrambled order, merged in reverse.
	parts := []*Accumulator{New(), New(), New(), New()}
	for _, i := range rng.Perm(len(sessions)) {
		parts[i%4].Add(sessions[i])
	}
	merged := New()
	for i := len(parts) - 1; i >= 0; i-- {
		merged.Merge(parts[i])
	}
	merged.Merge(nil)

	assert.Equal(t, sequential.Sessions(), merged.Sessions())
	assert.Equal(t, sequential.Finalize(ids), merged.Finalize(ids))
}
