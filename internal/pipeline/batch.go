package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"proctorlens/internal/eventlog"
	"proctorlens/internal/grading"
)

// Session is one test attempt in a batch.
type Session struct {
	ID       string              `json:"session_id"`
	CenterID string              `json:"center_id,omitempty"`
	Label    *int                `json:"label,omitempty"`
	Events   []eventlog.RawEvent `json:"events"`
}

// UnmarshalJSON accepts the legacy userId and session_log_events keys.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		UserID       json.RawMessage     `json:"userId"`
		LegacyEvents []eventlog.RawEvent `json:"session_log_events"`
	}{plain: (*plain)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.ID == "" && len(aux.UserID) > 0 {
		s.ID = rawID(aux.UserID)
	}
	if len(s.Events) == 0 && len(aux.LegacyEvents) > 0 {
		s.Events = aux.LegacyEvents
	}
	return nil
}

// rawID renders a JSON string or number as an id.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

// Batch is the input document for one pipeline run.
type Batch struct {
	BatchID   string             `json:"batch_id,omitempty"`
	Sessions  []Session          `json:"sessions"`
	Questions []grading.Question `json:"questions"`
}

// UnmarshalJSON accepts the legacy all_user_logs and questions_data keys.
func (b *Batch) UnmarshalJSON(data []byte) error {
	type plain Batch
	aux := struct {
		*plain
		AllUserLogs   []Session          `json:"all_user_logs"`
		QuestionsData []grading.Question `json:"questions_data"`
	}{plain: (*plain)(b)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(b.Sessions) == 0 && len(aux.AllUserLogs) > 0 {
		b.Sessions = aux.AllUserLogs
	}
	if len(b.Questions) == 0 && len(aux.QuestionsData) > 0 {
		b.Questions = aux.QuestionsData
	}
	return nil
}

// Normalize assigns a batch id when missing and numbers sessions without an id.
func (b *Batch) Normalize() {
	if b.BatchID == "" {
		b.BatchID = uuid.NewString()
	}
	for i := range b.Sessions {
		if b.Sessions[i].ID == "" {
			b.Sessions[i].ID = fmt.Sprintf("session-%d", i+1)
		}
	}
}

// Centers maps session id to center id for sessions that carry one.
func (b *Batch) Centers() map[string]string {
	out := make(map[string]string, len(b.Sessions))
	for _, s := range b.Sessions {
		if s.CenterID != "" {
			out[s.ID] = s.CenterID
		}
	}
	return out
}

// DecodeBatch reads and normalizes a batch document.
func DecodeBatch(r io.Reader) (*Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	b.Normalize()
	return &b, nil
}

// ParseBatch decodes a batch document held in memory.
func ParseBatch(data []byte) (*Batch, error) {
	return DecodeBatch(bytes.NewReader(data))
}

// LoadBatch reads a batch file.
func LoadBatch(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()
	return DecodeBatch(f)
}
