package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Resolution is a journaled tool result. The journal is what lets a
// restarted process replay side effects already applied by its crashed
// predecessor instead of executing them a second time.
type Resolution struct {
	Key        string          `json:"key"`
	Result     json.RawMessage `json:"result"`
	Status     string          `json:"status"`
	ResolvedAt time.Time       `json:"resolved_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// SaveResolution upserts a resolved tool result under its idempotency key.
func (s *Store) SaveResolution(ctx context.Context, key string, result json.RawMessage, status string, resolvedAt, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_results (key, result, status, resolved_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET result = excluded.result, status = excluded.status,
		 resolved_at = excluded.resolved_at, expires_at = excluded.expires_at`,
		key, string(result), status, resolvedAt.UnixMilli(), expiresAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to save tool result: %w", err)
	}
	return nil
}

// DeleteResolution drops a journaled result so the key can be executed
// again. Deleting a missing key is a no-op.
func (s *Store) DeleteResolution(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM tool_results WHERE key = ?", key,
	); err != nil {
		return fmt.Errorf("failed to delete tool result: %w", err)
	}
	return nil
}

// LoadResolutions returns every unexpired journaled result. Called once
// at startup to rehydrate the idempotency cache; expired rows are
// dropped on the way out.
func (s *Store) LoadResolutions(ctx context.Context) ([]Resolution, error) {
	now := time.Now().UnixMilli()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM tool_results WHERE expires_at <= ?", now,
	); err != nil {
		return nil, fmt.Errorf("failed to prune expired tool results: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, result, status, resolved_at, expires_at FROM tool_results")
	if err != nil {
		return nil, fmt.Errorf("failed to load tool results: %w", err)
	}
	defer rows.Close()

	var resolutions []Resolution
	for rows.Next() {
		var r Resolution
		var result string
		var resolvedAt, expiresAt int64
		if err := rows.Scan(&r.Key, &result, &r.Status, &resolvedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool result: %w", err)
		}
		r.Result = json.RawMessage(result)
		r.ResolvedAt = time.UnixMilli(resolvedAt)
		r.ExpiresAt = time.UnixMilli(expiresAt)
		resolutions = append(resolutions, r)
	}
	return resolutions, rows.Err()
}
