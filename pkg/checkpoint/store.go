package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/keel/internal/observability"
)

// Status tags a checkpoint with where the thread stood when it was written.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Checkpoint is an immutable snapshot of a thread's state at one step.
// Sequence numbers are monotonic per thread and assigned by Append.
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	Seq       int64           `json:"seq"`
	Step      int             `json:"step"`
	Status    Status          `json:"status"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// ThreadInfo summarizes one thread's checkpoint history.
type ThreadInfo struct {
	ThreadID  string    `json:"thread_id"`
	Status    Status    `json:"status"`
	LastSeq   int64     `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrLeaseLost is returned when an append carries a fencing token that no
// longer owns the thread's lease.
var ErrLeaseLost = errors.New("checkpoint lease lost")

// Store persists checkpoints in sqlite. Appends are transactional and
// durable before they return; the latest record per thread is always
// retrievable even after garbage collection.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds Store settings.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// NewStore opens (or creates) the checkpoint database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL with synchronous=FULL gives write-ahead durability: a crash
	// after a successful append never loses that checkpoint.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Checkpoint store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step INTEGER NOT NULL,
			status TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);

		CREATE TABLE IF NOT EXISTS thread_status (
			thread_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_thread_status_status ON thread_status(status);

		CREATE TABLE IF NOT EXISTS leases (
			thread_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tool_results (
			key TEXT PRIMARY KEY,
			result TEXT NOT NULL,
			status TEXT NOT NULL,
			resolved_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_results_expires ON tool_results(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close flushes the WAL and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn().Err(err).Msg("WAL flush on close failed")
	}
	return s.db.Close()
}

// Append durably writes a new checkpoint and returns its sequence number.
// When leaseToken is non-empty the write is fenced: it fails with
// ErrLeaseLost unless the token still owns the thread's lease, so a
// driver whose lease was taken over can never commit a stale step.
func (s *Store) Append(ctx context.Context, threadID string, step int, snapshot json.RawMessage, status Status, leaseToken string) (int64, error) {
	startTime := time.Now()

	seq, err := s.append(ctx, threadID, step, snapshot, status, leaseToken)
	if err != nil {
		observability.RecordCheckpointAppend("error", time.Since(startTime))
		return 0, err
	}

	observability.RecordCheckpointAppend("ok", time.Since(startTime))
	s.logger.Debug().
		Str("thread_id", threadID).
		Int64("seq", seq).
		Int("step", step).
		Str("status", string(status)).
		Msg("Checkpoint appended")
	return seq, nil
}

func (s *Store) append(ctx context.Context, threadID string, step int, snapshot json.RawMessage, status Status, leaseToken string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if leaseToken != "" {
		var owner string
		var expiresAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT token, expires_at FROM leases WHERE thread_id = ?", threadID,
		).Scan(&owner, &expiresAt)
		switch {
		case err == sql.ErrNoRows:
			return 0, fmt.Errorf("%w: no lease for thread %s", ErrLeaseLost, threadID)
		case err != nil:
			return 0, fmt.Errorf("failed to read lease: %w", err)
		case owner != leaseToken:
			return 0, fmt.Errorf("%w: thread %s taken over", ErrLeaseLost, threadID)
		case time.Now().UnixMilli() > expiresAt:
			return 0, fmt.Errorf("%w: lease for thread %s expired", ErrLeaseLost, threadID)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE thread_id = ?", threadID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to compute sequence: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO checkpoints (thread_id, seq, step, status, snapshot, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		threadID, seq, step, string(status), string(snapshot), now.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	threadState := "complete"
	if status == StatusInProgress {
		threadState = "incomplete"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_status (thread_id, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		threadID, threadState, now.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("failed to update thread status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return seq, nil
}

// Latest returns the most recent checkpoint for a thread, or nil when the
// thread has none.
func (s *Store) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, step, status, snapshot, created_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	return cp, nil
}

// ScanIncomplete returns the latest checkpoint of every thread whose most
// recent record is still in_progress. Called once at process start by the
// recovery manager.
func (s *Store) ScanIncomplete(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.thread_id, c.seq, c.step, c.status, c.snapshot, c.created_at
		 FROM checkpoints c
		 JOIN thread_status ts ON ts.thread_id = c.thread_id
		 WHERE ts.status = 'incomplete'
		   AND c.seq = (SELECT MAX(seq) FROM checkpoints WHERE thread_id = c.thread_id)
		 ORDER BY c.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan incomplete threads: %w", err)
	}
	defer rows.Close()

	var result []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incomplete checkpoint: %w", err)
		}
		result = append(result, *cp)
	}
	return result, rows.Err()
}

// ListThreads returns a summary of every known thread, most recent first.
func (s *Store) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.thread_id, c.status, c.seq, c.created_at
		 FROM checkpoints c
		 WHERE c.seq = (SELECT MAX(seq) FROM checkpoints WHERE thread_id = c.thread_id)
		 ORDER BY c.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var result []ThreadInfo
	for rows.Next() {
		var info ThreadInfo
		var status string
		var updatedAt int64
		if err := rows.Scan(&info.ThreadID, &status, &info.LastSeq, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread info: %w", err)
		}
		info.Status = Status(status)
		info.UpdatedAt = time.UnixMilli(updatedAt)
		result = append(result, info)
	}
	return result, rows.Err()
}

// DeleteThread removes every record for a thread, lease included.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM checkpoints WHERE thread_id = ?",
		"DELETE FROM thread_status WHERE thread_id = ?",
		"DELETE FROM leases WHERE thread_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, threadID); err != nil {
			return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.logger.Info().Str("thread_id", threadID).Msg("Thread deleted")
	return nil
}

// CleanupOlderThan garbage-collects superseded checkpoints written before
// the cutoff. The latest checkpoint per thread is always kept.
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints
		 WHERE created_at < ?
		   AND seq < (SELECT MAX(seq) FROM checkpoints c2 WHERE c2.thread_id = checkpoints.thread_id)`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("Superseded checkpoints garbage-collected")
	}
	return removed, nil
}

// Vacuum reclaims free pages after cleanup.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// FlushWAL forces the write-ahead log into the main database file.
func (s *Store) FlushWAL(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	return nil
}

// WALInfo describes the write-ahead log and the stored checkpoint volume.
type WALInfo struct {
	WALPages          int   `json:"wal_pages"`
	CheckpointedPages int   `json:"checkpointed_pages"`
	TotalCheckpoints  int64 `json:"total_checkpoints"`
	TotalThreads      int64 `json:"total_threads"`
}

// Stats reports WAL and row-count diagnostics without modifying the log.
func (s *Store) Stats(ctx context.Context) (*WALInfo, error) {
	var info WALInfo
	var busy int
	if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").
		Scan(&busy, &info.WALPages, &info.CheckpointedPages); err != nil {
		return nil, fmt.Errorf("failed to read WAL state: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").
		Scan(&info.TotalCheckpoints); err != nil {
		return nil, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT thread_id) FROM checkpoints").
		Scan(&info.TotalThreads); err != nil {
		return nil, fmt.Errorf("failed to count threads: %w", err)
	}
	return &info, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var status, snapshot string
	var createdAt int64
	if err := row.Scan(&cp.ThreadID, &cp.Seq, &cp.Step, &status, &snapshot, &createdAt); err != nil {
		return nil, err
	}
	cp.Status = Status(status)
	cp.Snapshot = json.RawMessage(snapshot)
	cp.CreatedAt = time.UnixMilli(createdAt)
	return &cp, nil
}
