package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const jobSQLiteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	title TEXT,
	metadata BLOB,
	created_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite job store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteJobStore persists job records in SQLite.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore opens (or creates) a SQLite-backed job store.
func NewSQLiteJobStore(cfg SQLiteStoreConfig) (*SQLiteJobStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("job store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("job sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(jobSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job sqlite store create schema: %w", err)
	}

	return &SQLiteJobStore{db: db}, nil
}

func (s *SQLiteJobStore) List(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, metadata, created_at
FROM jobs
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("job sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, metadata, created_at
FROM jobs
WHERE id = ?`, id)

	rec, err := scanJobRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, false, nil
		}
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteJobStore) Create(ctx context.Context, rec JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("job sqlite store marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, title, metadata, created_at)
VALUES (?, ?, ?, ?)`,
		rec.ID,
		nullIfEmpty(rec.Title),
		metadata,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isJobSQLiteUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("job sqlite store create: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRecord(row rowScanner) (JobRecord, error) {
	var (
		rec       JobRecord
		title     sql.NullString
		metadata  []byte
		createdAt string
	)
	if err := row.Scan(&rec.ID, &title, &metadata, &createdAt); err != nil {
		return JobRecord{}, err
	}

	rec.Title = title.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return JobRecord{}, fmt.Errorf("job sqlite store decode metadata for %s: %w", rec.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return JobRecord{}, fmt.Errorf("job sqlite store parse created_at for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = t
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isJobSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.id")
}
