// Package grading holds the question reference set for a test instance and
// resolves final answers against it.
package grading

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// ErrMissingQuestionSet is returned when a batch has no usable question references.
var ErrMissingQuestionSet = errors.New("missing question reference set")

// Question is static reference data for one question.
type Question struct {
	ID         string   `json:"id" yaml:"id"`
	Subject    string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Difficulty string   `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	Text       string   `json:"text,omitempty" yaml:"text,omitempty"`
	Options    []string `json:"options,omitempty" yaml:"options,omitempty"`

	// CorrectAnswer is the index of the correct option. Nil means no answer
	// key exists and every answer resolves as unanswered.
	CorrectAnswer *int `json:"correct_answer" yaml:"correct_answer"`
}

// Bank is a read-only set of questions keyed by id.
type Bank struct {
	questions map[string]Question
	ids       []string
}

// NewBank indexes questions by id. Entries without an id are skipped and a
// later duplicate replaces an earlier one. An empty result is ErrMissingQuestionSet.
func NewBank(questions []Question) (*Bank, error) {
	b := &Bank{questions: make(map[string]Question, len(questions))}
	for _, q := range questions {
		if q.ID == "" {
			continue
		}
		if _, seen := b.questions[q.ID]; !seen {
			b.ids = append(b.ids, q.ID)
		}
		b.questions[q.ID] = q
	}
	if len(b.ids) == 0 {
		return nil, ErrMissingQuestionSet
	}
	return b, nil
}

// LoadBank reads a question list from a YAML or JSON file. The file may hold
// either a bare list or an object with a "questions" key.
func LoadBank(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}

	var doc bankDocument
	switch filepath.Ext(path) {
	case ".json":
		err = doc.decodeJSON(data)
	default:
		err = doc.decodeYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode question bank %s: %w", filepath.Base(path), err)
	}

	return NewBank(doc.Questions)
}

type bankDocument struct {
	Questions []Question `json:"questions" yaml:"questions"`
}

func (d *bankDocument) decodeJSON(data []byte) error {
	if err := json.Unmarshal(data, &d.Questions); err == nil {
		return nil
	}
	return json.Unmarshal(data, d)
}

func (d *bankDocument) decodeYAML(data []byte) error {
	if err := yaml.Unmarshal(data, &d.Questions); err == nil {
		return nil
	}
	return yaml.Unmarshal(data, d)
}

// Len returns the number of questions.
func (b *Bank) Len() int {
	return len(b.ids)
}

// IDs returns question ids in load order.
func (b *Bank) IDs() []string {
	return append([]string(nil), b.ids...)
}

// Get looks up a question by id.
func (b *Bank) Get(id string) (Question, bool) {
	q, ok := b.questions[id]
	return q, ok
}

// Has reports whether id is a known question.
func (b *Bank) Has(id string) bool {
	_, ok := b.questions[id]
	return ok
}

// Questions returns the questions in load order.
func (b *Bank) Questions() []Question {
	out := make([]Question, 0, len(b.ids))
	for _, id := range b.ids {
		out = append(out, b.questions[id])
	}
	return out
}

// Fingerprint identifies the bank by its ids and answer key. Question text
// and options do not contribute.
func (b *Bank) Fingerprint() string {
	ids := b.IDs()
	sort.Strings(ids)

	h, _ := blake2b.New256(nil)
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(len(id)))
		h.Write(buf[:])
		h.Write([]byte(id))

		ans := int64(-1)
		if q := b.questions[id]; q.CorrectAnswer != nil {
			ans = int64(*q.CorrectAnswer)
		}
		binary.BigEndian.PutUint64(buf[:], uint64(ans))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
