// Package schemavalidation checks input documents against the embedded JSON
// schemas before they are decoded.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const baseURL = "https://proctorlens.local/schema/"

// Kind names a document type.
type Kind string

const (
	KindBatch       Kind = "batch-v1"
	KindPredictions Kind = "predictions-v1"
	KindQuestion    Kind = "question"
)

var schemaFiles = map[Kind]string{
	KindBatch:       "batch.schema.json",
	KindPredictions: "predictions.schema.json",
	KindQuestion:    "question.schema.json",
}

// ErrInvalidDocument is matched by every validation failure.
var ErrInvalidDocument = errors.New("document does not match schema")

// Problem is one schema violation.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error lists every violation found in a document.
type Error struct {
	Kind     Kind
	Problems []Problem
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Path, p.Message))
	}
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return ErrInvalidDocument }

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		for _, file := range schemaFiles {
			data, err := schemaFS.ReadFile(path.Join("schemas", file))
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", file, err)
				return
			}
			if err := compiler.AddResource(baseURL+file, bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", file, err)
				return
			}
		}

		compiled = make(map[Kind]*jsonschema.Schema, len(schemaFiles))
		for kind, file := range schemaFiles {
			s, err := compiler.Compile(baseURL + file)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", file, err)
				return
			}
			compiled[kind] = s
		}
	})
	return compiled, compileErr
}

// Validate checks a raw JSON document against the schema for kind.
func Validate(kind Kind, data []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	schema, ok := all[kind]
	if !ok {
		return fmt.Errorf("unknown document kind %q", kind)
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return &Error{Kind: kind, Problems: []Problem{{Path: "/", Message: "invalid JSON: " + err.Error()}}}
	}
	if dec.More() {
		return &Error{Kind: kind, Problems: []Problem{{Path: "/", Message: "invalid JSON: trailing data after document"}}}
	}

	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &Error{Kind: kind, Problems: problems(verr)}
		}
		return fmt.Errorf("validate %s: %w", kind, err)
	}
	return nil
}

// ValidateBatch checks a batch document.
func ValidateBatch(data []byte) error {
	return Validate(KindBatch, data)
}

// ValidatePredictions checks a classifier predictions document.
func ValidatePredictions(data []byte) error {
	return Validate(KindPredictions, data)
}

// problems flattens the leaf causes of a validation error, sorted by path.
func problems(verr *jsonschema.ValidationError) []Problem {
	var out []Problem
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, Problem{Path: loc, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
