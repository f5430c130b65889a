package hub

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/jobwatch/frame"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite frame store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes frames stored longer ago than this (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many frames per job (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteFrameStore persists frames to a SQLite database.
// It satisfies the FrameStore interface and supports WAL mode
// for concurrent read access and a background pruner goroutine.
type SQLiteFrameStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteFrameStore opens (or creates) a SQLite frame store.
func NewSQLiteFrameStore(cfg SQLiteStoreConfig) (*SQLiteFrameStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteFrameStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores a frame in the database.
func (s *SQLiteFrameStore) Append(ctx context.Context, f frame.StatusFrame) error {
	payload := f.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	var progress sql.NullFloat64
	if f.Progress != nil {
		progress = sql.NullFloat64{Float64: *f.Progress, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO frames (job_id, seq, status, stage, progress, payload, timestamp, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.JobID,
		f.SequenceID,
		string(f.Status),
		f.Stage,
		progress,
		string(payloadJSON),
		f.Timestamp,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns frames for a job, optionally filtered by afterSeq and limit.
func (s *SQLiteFrameStore) List(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]frame.StatusFrame, error) {
	query := `SELECT job_id, seq, status, stage, progress, payload, timestamp
	           FROM frames WHERE job_id = ? AND seq > ? ORDER BY seq ASC, id ASC`
	args := []any{jobID, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanFrames(rows)
}

// LatestSeq returns the highest SequenceID for a job (0 if none).
func (s *SQLiteFrameStore) LatestSeq(ctx context.Context, jobID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM frames WHERE job_id = ?`, jobID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- checked non-negative above
}

// JobIDs returns distinct job IDs from the store.
func (s *SQLiteFrameStore) JobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT job_id FROM frames ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteFrameStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteFrameStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM frames WHERE stored_at < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		jobIDs, err := s.JobIDs(ctx)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune list jobs: %w", err)
		}
		for _, jobID := range jobIDs {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM frames WHERE job_id = ? AND id NOT IN (
					SELECT id FROM frames WHERE job_id = ? ORDER BY seq DESC LIMIT ?
				)`, jobID, jobID, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", jobID, err)
			}
		}
	}

	return nil
}

func (s *SQLiteFrameStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanFrames(rows *sql.Rows) ([]frame.StatusFrame, error) {
	var frames []frame.StatusFrame
	for rows.Next() {
		var (
			f           frame.StatusFrame
			status      string
			progress    sql.NullFloat64
			payloadJSON string
		)
		err := rows.Scan(
			&f.JobID,
			&f.SequenceID,
			&status,
			&f.Stage,
			&progress,
			&payloadJSON,
			&f.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan frame: %w", err)
		}

		f.Status = frame.Status(status)
		if progress.Valid {
			p := progress.Float64
			f.Progress = &p
		}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &f.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}

		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Compile-time interface check.
var _ FrameStore = (*SQLiteFrameStore)(nil)
