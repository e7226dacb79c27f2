package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrLeaseHeld is returned when another driver instance holds an
// unexpired lease for the thread.
var ErrLeaseHeld = errors.New("thread lease held by another owner")

// AcquireLease claims exclusive ownership of a thread and returns the
// fencing token to pass to Append. An expired lease may be taken over;
// the stale owner's next fenced append then fails with ErrLeaseLost,
// which resolves duplicate-resume races deterministically in favor of
// the most recent acquirer.
func (s *Store) AcquireLease(ctx context.Context, threadID string, ttl time.Duration) (string, error) {
	token, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate lease token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT expires_at FROM leases WHERE thread_id = ?", threadID,
	).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// Fresh thread.
	case err != nil:
		return "", fmt.Errorf("failed to read lease: %w", err)
	case now.UnixMilli() <= expiresAt:
		return "", fmt.Errorf("%w: %s", ErrLeaseHeld, threadID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leases (thread_id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`,
		threadID, token, now.Add(ttl).UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit lease: %w", err)
	}

	s.logger.Debug().Str("thread_id", threadID).Msg("Thread lease acquired")
	return token, nil
}

// RenewLease extends an owned lease. Fails with ErrLeaseLost when the
// token no longer owns the thread.
func (s *Store) RenewLease(ctx context.Context, threadID, token string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE leases SET expires_at = ? WHERE thread_id = ? AND token = ?",
		time.Now().Add(ttl).UnixMilli(), threadID, token)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, threadID)
	}
	return nil
}

// ClearLeases drops every lease row. Called once at process start on
// single-instance deployments, where any surviving lease belongs to the
// crashed previous process.
func (s *Store) ClearLeases(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM leases")
	if err != nil {
		return fmt.Errorf("failed to clear leases: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info().Int64("cleared", n).Msg("Orphaned thread leases cleared")
	}
	return nil
}

// ReleaseLease gives up an owned lease. Releasing a lease the token no
// longer owns is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, threadID, token string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM leases WHERE thread_id = ? AND token = ?", threadID, token,
	); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	s.logger.Debug().Str("thread_id", threadID).Msg("Thread lease released")
	return nil
}
