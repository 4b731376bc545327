package schemavalidation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemasCompile(t *testing.T) {
	all, err := schemas()
	require.NoError(t, err)
	assert.Len(t, all, len(schemaFiles))
}

func TestValidateBatchFixture(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "batch.json"))
	require.NoError(t, err)
	assert.NoError(t, ValidateBatch(data))
}

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
		path    string
	}{
		{
			name: "legacy keys",
			doc: `{"all_user_logs": [{"userId": 17, "session_log_events": [
				{"timestamp": "2025-05-02T10:00:00Z", "activity_text": "Test Started", "location": null}]}],
				"questions_data": [{"id": "q1", "correct_answer": 0}]}`,
		},
		{
			name: "unparseable timestamp is still a string",
			doc:  `{"sessions": [{"events": [{"timestamp": "yesterday", "activity_text": "Test Started"}]}]}`,
		},
		{
			name:    "no sessions key",
			doc:     `{"questions": []}`,
			wantErr: true,
			path:    "/",
		},
		{
			name:    "numeric timestamp",
			doc:     `{"sessions": [{"events": [{"timestamp": 1714644000, "activity_text": "Test Started"}]}]}`,
			wantErr: true,
			path:    "/sessions/0/events/0/timestamp",
		},
		{
			name:    "missing activity text",
			doc:     `{"sessions": [{"events": [{"timestamp": "2025-05-02T10:00:00Z"}]}]}`,
			wantErr: true,
			path:    "/sessions/0/events/0",
		},
		{
			name:    "negative answer index",
			doc:     `{"sessions": [], "questions": [{"id": "q1", "correct_answer": -1}]}`,
			wantErr: true,
			path:    "/questions/0/correct_answer",
		},
		{
			name:    "question without id",
			doc:     `{"sessions": [], "questions": [{"text": "?"}]}`,
			wantErr: true,
			path:    "/questions/0",
		},
		{
			name:    "not json",
			doc:     `{"sessions": [`,
			wantErr: true,
			path:    "/",
		},
		{
			name:    "trailing data",
			doc:     `{"sessions": []} {"sessions": []}`,
			wantErr: true,
			path:    "/",
		},
		{
			name: "integer answer beyond float precision",
			doc:  `{"sessions": [], "questions": [{"id": "q1", "correct_answer": 9007199254740993}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatch([]byte(tt.doc))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument))

			var verr *Error
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, KindBatch, verr.Kind)
			require.NotEmpty(t, verr.Problems)

			paths := make([]string, 0, len(verr.Problems))
			for _, p := range verr.Problems {
				paths = append(paths, p.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestValidatePredictions(t *testing.T) {
	assert.NoError(t, ValidatePredictions([]byte(`[
		{"session_id": "s1", "label": 1, "probability": 0.93},
		{"userId": 42, "prediction_label": 0, "probability_cheat": 0.1}
	]`)))

	err := ValidatePredictions([]byte(`[{"session_id": "s1", "label": 3}]`))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = ValidatePredictions([]byte(`[{"label": 1}]`))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	err = ValidatePredictions([]byte(`{"session_id": "s1"}`))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestValidateUnknownKind(t *testing.T) {
	err := Validate("nope", []byte(`{}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidDocument))
}
