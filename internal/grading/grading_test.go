package grading

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorlens/internal/replay"
)

func intPtr(v int) *int { return &v }

func testBank(t *testing.T) *Bank {
	t.Helper()
	b, err := NewBank([]Question{
		{ID: "q1", Difficulty: "easy", CorrectAnswer: intPtr(0)},
		{ID: "q2", Difficulty: "hard", CorrectAnswer: intPtr(2)},
		{ID: "q3", CorrectAnswer: nil},
	})
	require.NoError(t, err)
	return b
}

// =============================================================================
// Bank Tests
// =============================================================================

func TestNewBank(t *testing.T) {
	b := testBank(t)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"q1", "q2", "q3"}, b.IDs())
	assert.True(t, b.Has("q2"))
	assert.False(t, b.Has("q9"))

	q, ok := b.Get("q2")
	require.True(t, ok)
	assert.Equal(t, "hard", q.Difficulty)
}

func TestNewBankSkipsMissingIDsAndReplacesDuplicates(t *testing.T) {
	b, err := NewBank([]Question{
		{ID: "", CorrectAnswer: intPtr(1)},
		{ID: "a", CorrectAnswer: intPtr(1)},
		{ID: "a", CorrectAnswer: intPtr(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	q, _ := b.Get("a")
	assert.Equal(t, 3, *q.CorrectAnswer)
}

func TestNewBankEmpty(t *testing.T) {
	_, err := NewBank(nil)
	assert.ErrorIs(t, err, ErrMissingQuestionSet)

	_, err = NewBank([]Question{{Text: "no id"}})
	assert.ErrorIs(t, err, ErrMissingQuestionSet)
}

func TestLoadBankFormats(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"list.yaml": `
- id: q1
  difficulty: easy
  options: ["a", "b"]
  correct_answer: 1
- id: q2
  correct_answer: null
`,
		"wrapped.yml": `
questions:
  - id: q1
    correct_answer: 1
  - id: q2
`,
		"list.json":    `[{"id": "q1", "correct_answer": 1}, {"id": "q2", "correct_answer": null}]`,
		"wrapped.json": `{"questions": [{"id": "q1", "correct_answer": 1}, {"id": "q2"}]}`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0600))

			b, err := LoadBank(path)
			require.NoError(t, err)
			assert.Equal(t, 2, b.Len())

			q1, _ := b.Get("q1")
			require.NotNil(t, q1.CorrectAnswer)
			assert.Equal(t, 1, *q1.CorrectAnswer)

			q2, _ := b.Get("q2")
			assert.Nil(t, q2.CorrectAnswer)
		})
	}
}

func TestLoadBankErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadBank(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"questions": 7}`), 0600))
	_, err = LoadBank(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("questions: []\n"), 0600))
	_, err = LoadBank(empty)
	assert.ErrorIs(t, err, ErrMissingQuestionSet)
}

func TestFingerprint(t *testing.T) {
	a := testBank(t)

	reordered, err := NewBank([]Question{
		{ID: "q3"},
		{ID: "q2", CorrectAnswer: intPtr(2), Text: "different text"},
		{ID: "q1", CorrectAnswer: intPtr(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), reordered.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)

	changed, err := NewBank([]Question{
		{ID: "q1", CorrectAnswer: intPtr(1)},
		{ID: "q2", CorrectAnswer: intPtr(2)},
		{ID: "q3"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), changed.Fingerprint())
}

// =============================================================================
// Resolver Tests
// =============================================================================

func TestOutcome(t *testing.T) {
	tests := []struct {
		name     string
		selected *int
		correct  *int
		expected replay.Outcome
	}{
		{"correct", intPtr(1), intPtr(1), replay.OutcomeCorrect},
		{"incorrect", intPtr(0), intPtr(1), replay.OutcomeIncorrect},
		{"no selection", nil, intPtr(1), replay.OutcomeUnanswered},
		{"no answer key", intPtr(1), nil, replay.OutcomeUnanswered},
		{"neither", nil, nil, replay.OutcomeUnanswered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Outcome(tt.selected, tt.correct))
		})
	}
}

func TestResolve(t *testing.T) {
	b := testBank(t)
	metrics := []replay.QuestionMetric{
		{QuestionID: "q1", TimeSpent: 10, LastOption: intPtr(0)},
		{QuestionID: "ghost", TimeSpent: 5, LastOption: intPtr(0)},
		{QuestionID: "q2", TimeSpent: 7, LastOption: intPtr(1)},
		{QuestionID: "q3", TimeSpent: 3, LastOption: intPtr(1)},
		{QuestionID: "phantom", TimeSpent: 1},
	}

	res := Resolve(metrics, b)
	require.Len(t, res.Metrics, 3)
	assert.Equal(t, []string{"ghost", "phantom"}, res.Unknown)

	assert.Equal(t, replay.OutcomeCorrect, res.Metrics[0].Outcome)
	assert.Equal(t, replay.OutcomeIncorrect, res.Metrics[1].Outcome)
	assert.Equal(t, replay.OutcomeUnanswered, res.Metrics[2].Outcome)

	// Input untouched.
	assert.Equal(t, replay.OutcomeUnanswered, metrics[0].Outcome)
}
