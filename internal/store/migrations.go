package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with cohorts and per-question baselines",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add feature_vectors table for exported session vectors",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add flag_summaries table for center flagging runs",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS cohorts (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    batch_id          TEXT,
    bank_fingerprint  TEXT NOT NULL,
    sessions          INTEGER NOT NULL,
    questions         INTEGER NOT NULL,
    created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cohorts_name ON cohorts(name);
CREATE INDEX IF NOT EXISTS idx_cohorts_created ON cohorts(created_at);

-- One baseline row per question; removed with its cohort
CREATE TABLE IF NOT EXISTS cohort_stats (
    cohort_id           TEXT NOT NULL REFERENCES cohorts(id) ON DELETE CASCADE,
    question_id         TEXT NOT NULL,
    mean_time           REAL NOT NULL,
    stddev_time         REAL NOT NULL,
    mean_accuracy       REAL NOT NULL,
    mean_tab_switches   REAL NOT NULL,
    mean_answer_changes REAL NOT NULL,
    sample_count        INTEGER NOT NULL,
    PRIMARY KEY (cohort_id, question_id)
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS cohort_stats;
DROP INDEX IF EXISTS idx_cohorts_created;
DROP INDEX IF EXISTS idx_cohorts_name;
DROP TABLE IF EXISTS cohorts;
`

const migrationV2Up = `
-- Feature values are stored as a JSON object keyed by feature name
CREATE TABLE IF NOT EXISTS feature_vectors (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    center_id   TEXT,
    label       INTEGER,
    features    TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    UNIQUE(batch_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_vectors_batch ON feature_vectors(batch_id, id);
CREATE INDEX IF NOT EXISTS idx_vectors_center ON feature_vectors(center_id);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_vectors_center;
DROP INDEX IF EXISTS idx_vectors_batch;
DROP TABLE IF EXISTS feature_vectors;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS flag_summaries (
    batch_id        TEXT PRIMARY KEY,
    threshold       REAL NOT NULL,
    total_sessions  INTEGER NOT NULL,
    total_flagged   INTEGER NOT NULL,
    summary         TEXT NOT NULL,
    evaluated_at    INTEGER NOT NULL
);
`

const migrationV3Down = `
DROP TABLE IF EXISTS flag_summaries;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description,
			); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var m *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return fmt.Errorf("rollback migration %d: %w", current, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
			return fmt.Errorf("remove migration record: %w", err)
		}
		return nil
	})
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// schema_migrations does not exist before the first MigrateDB
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true
		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"cohorts",
		"cohort_stats",
		"feature_vectors",
		"flag_summaries",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
