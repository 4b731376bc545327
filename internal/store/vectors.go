package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"proctorlens/internal/features"
	"proctorlens/internal/flagging"
)

// SaveVectors stores the vectors of one batch. Saving a session again within
// the same batch replaces its earlier row.
func (s *Store) SaveVectors(batchID string, rows []features.Row) error {
	if batchID == "" {
		return errors.New("save vectors: empty batch id")
	}
	now := time.Now().UnixNano()

	return inTx(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO feature_vectors (batch_id, session_id, center_id, label, features, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(batch_id, session_id) DO UPDATE SET
				center_id = excluded.center_id,
				label = excluded.label,
				features = excluded.features,
				created_at = excluded.created_at`)
		if err != nil {
			return fmt.Errorf("prepare vectors: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			data, err := json.Marshal(r.Vector)
			if err != nil {
				return fmt.Errorf("marshal vector %s: %w", r.SessionID, err)
			}
			var label sql.NullInt64
			if r.Label != nil {
				label = sql.NullInt64{Int64: int64(*r.Label), Valid: true}
			}
			if _, err := stmt.Exec(batchID, r.SessionID, nullString(r.CenterID), label, string(data), now); err != nil {
				return fmt.Errorf("insert vector %s: %w", r.SessionID, err)
			}
		}
		return nil
	})
}

// ListVectors returns the vectors of a batch in insertion order.
func (s *Store) ListVectors(batchID string) ([]VectorRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, batch_id, session_id, center_id, label, features, created_at
		FROM feature_vectors WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var center sql.NullString
		var label sql.NullInt64
		var data string
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.BatchID, &v.SessionID, &center, &label, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &v.Vector); err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", v.SessionID, err)
		}
		v.CenterID = center.String
		if label.Valid {
			l := int(label.Int64)
			v.Label = &l
		}
		v.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return out, nil
}

// SaveFlagSummary stores a flagging result, replacing any earlier run for
// the same batch.
func (s *Store) SaveFlagSummary(sum *flagging.Summary) error {
	if sum.BatchID == "" {
		return errors.New("save flag summary: empty batch id")
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal flag summary: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO flag_summaries (batch_id, threshold, total_sessions, total_flagged, summary, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.BatchID, sum.Threshold, sum.TotalSessions, sum.TotalFlagged, string(data), sum.EvaluatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert flag summary: %w", err)
	}
	return nil
}

// GetFlagSummary retrieves the flagging result of a batch.
func (s *Store) GetFlagSummary(batchID string) (*flagging.Summary, error) {
	var data string
	err := s.db.QueryRow(`SELECT summary FROM flag_summaries WHERE batch_id = ?`, batchID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get flag summary: %w", err)
	}

	var sum flagging.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return nil, fmt.Errorf("decode flag summary: %w", err)
	}
	return &sum, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
