package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"proctorlens/internal/cohort"
)

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Store represents the SQLite store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, DefaultBusyTimeout)
}

// OpenWithTimeout is Open with an explicit busy timeout.
func OpenWithTimeout(path string, busy time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store closed")
	}
	return s.db.PingContext(ctx)
}

// Status returns the schema migration status.
func (s *Store) Status() (*MigrationStatus, error) {
	return GetMigrationStatus(s.db)
}

// Validate checks that every expected table exists.
func (s *Store) Validate() error {
	return ValidateSchema(s.db)
}

// SaveCohort inserts a cohort and its per-question stats. A missing ID or
// CreatedAt is filled in.
func (s *Store) SaveCohort(c *Cohort) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Questions = len(c.Stats)

	return inTx(s.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO cohorts (id, name, batch_id, bank_fingerprint, sessions, questions, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.BatchID, c.BankFingerprint, c.Sessions, c.Questions, c.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert cohort: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO cohort_stats (cohort_id, question_id, mean_time, stddev_time, mean_accuracy,
				mean_tab_switches, mean_answer_changes, sample_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare cohort stats: %w", err)
		}
		defer stmt.Close()

		for _, id := range c.Stats.IDs() {
			st := c.Stats[id]
			if _, err := stmt.Exec(c.ID, id, st.MeanTime, st.StdDevTime, st.MeanAccuracy,
				st.MeanTabSwitches, st.MeanAnswerChanges, st.SampleCount); err != nil {
				return fmt.Errorf("insert cohort stat %s: %w", id, err)
			}
		}
		return nil
	})
}

// GetCohort retrieves a cohort with its stats.
func (s *Store) GetCohort(id string) (*Cohort, error) {
	c, err := scanCohort(s.db.QueryRow(`
		SELECT id, name, batch_id, bank_fingerprint, sessions, questions, created_at
		FROM cohorts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cohort: %w", err)
	}

	stats, err := s.cohortStats(id)
	if err != nil {
		return nil, err
	}
	c.Stats = stats
	return c, nil
}

// GetCohortByName retrieves the most recent cohort with the given name.
func (s *Store) GetCohortByName(name string) (*Cohort, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM cohorts WHERE name = ?
		ORDER BY created_at DESC LIMIT 1`, name,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cohort by name: %w", err)
	}
	return s.GetCohort(id)
}

// ListCohorts returns all cohorts, newest first, without stats.
func (s *Store) ListCohorts() ([]Cohort, error) {
	rows, err := s.db.Query(`
		SELECT id, name, batch_id, bank_fingerprint, sessions, questions, created_at
		FROM cohorts ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list cohorts: %w", err)
	}
	defer rows.Close()

	var out []Cohort
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cohort: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohorts: %w", err)
	}
	return out, nil
}

// DeleteCohort removes a cohort and its stats.
func (s *Store) DeleteCohort(id string) error {
	result, err := s.db.Exec(`DELETE FROM cohorts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cohort: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrCohortNotFound, id)
	}
	return nil
}

func (s *Store) cohortStats(id string) (cohort.Stats, error) {
	rows, err := s.db.Query(`
		SELECT question_id, mean_time, stddev_time, mean_accuracy, mean_tab_switches,
			mean_answer_changes, sample_count
		FROM cohort_stats WHERE cohort_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get cohort stats: %w", err)
	}
	defer rows.Close()

	stats := make(cohort.Stats)
	for rows.Next() {
		var qid string
		var st cohort.Stat
		if err := rows.Scan(&qid, &st.MeanTime, &st.StdDevTime, &st.MeanAccuracy,
			&st.MeanTabSwitches, &st.MeanAnswerChanges, &st.SampleCount); err != nil {
			return nil, fmt.Errorf("scan cohort stat: %w", err)
		}
		stats[qid] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohort stats: %w", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCohort(row scanner) (*Cohort, error) {
	var c Cohort
	var batchID sql.NullString
	var createdAt int64
	if err := row.Scan(&c.ID, &c.Name, &batchID, &c.BankFingerprint, &c.Sessions, &c.Questions, &createdAt); err != nil {
		return nil, err
	}
	c.BatchID = batchID.String
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	return &c, nil
}
