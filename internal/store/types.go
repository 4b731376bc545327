// Package store provides SQLite persistence for cohorts, feature vectors and
// flag summaries.
package store

import (
	"errors"
	"time"

	"proctorlens/internal/cohort"
	"proctorlens/internal/features"
)

var (
	// ErrCohortNotFound is returned by operations that require an existing cohort.
	ErrCohortNotFound = errors.New("cohort not found")

	// ErrBankMismatch is returned when a cohort was built from a different
	// question bank than the one offered for scoring.
	ErrBankMismatch = errors.New("question bank does not match cohort")
)

// Cohort is a stored baseline.
type Cohort struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	BatchID         string       `json:"batch_id,omitempty"`
	BankFingerprint string       `json:"bank_fingerprint"`
	Sessions        int          `json:"sessions"`
	Questions       int          `json:"questions"`
	CreatedAt       time.Time    `json:"created_at"`
	Stats           cohort.Stats `json:"stats,omitempty"`
}

// CheckBank returns ErrBankMismatch unless fingerprint matches the cohort's bank.
func (c *Cohort) CheckBank(fingerprint string) error {
	if c.BankFingerprint != "" && c.BankFingerprint != fingerprint {
		return ErrBankMismatch
	}
	return nil
}

// VectorRecord is one stored feature vector.
type VectorRecord struct {
	ID        int64           `json:"id"`
	BatchID   string          `json:"batch_id"`
	SessionID string          `json:"session_id"`
	CenterID  string          `json:"center_id,omitempty"`
	Label     *int            `json:"label,omitempty"`
	Vector    features.Vector `json:"features"`
	CreatedAt time.Time       `json:"created_at"`
}

// Row converts the record for export.
func (v VectorRecord) Row() features.Row {
	return features.Row{
		SessionID: v.SessionID,
		CenterID:  v.CenterID,
		Label:     v.Label,
		Vector:    v.Vector,
	}
}
