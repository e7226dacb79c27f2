package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/keel/internal/observability"
)

// Status describes the lifecycle of an idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome is the result of a Begin call.
type Outcome string

const (
	// Admitted means this caller won the key and must execute the
	// operation, then call Complete or Forget.
	Admitted Outcome = "admitted"
	// AlreadyPending means another caller is executing; wait for its result.
	AlreadyPending Outcome = "pending"
	// AlreadyResolved means a cached result exists; replay it, never re-execute.
	AlreadyResolved Outcome = "resolved"
)

// ErrPendingTimeout is returned by Wait when a pending key does not
// resolve within the configured wait window.
var ErrPendingTimeout = errors.New("timed out waiting for pending idempotency key")

// Record is the cached resolution of an operation keyed by content hash.
type Record struct {
	Key        string      `json:"key"`
	Result     interface{} `json:"result,omitempty"`
	Status     Status      `json:"status"`
	ResolvedAt time.Time   `json:"resolved_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Admission reports what Begin observed for a key.
type Admission struct {
	Outcome Outcome
	// Record is populated only for AlreadyResolved.
	Record *Record
}

type entry struct {
	record Record
	// done is closed when the pending execution resolves.
	done chan struct{}
}

// Journal persists resolved records so a restarted process replays
// completed side effects instead of executing them again. Pending
// records are never journaled; an execution in flight when the process
// dies is simply re-admitted after restart.
type Journal interface {
	SaveResolution(ctx context.Context, key string, result json.RawMessage, status string, resolvedAt, expiresAt time.Time) error
	DeleteResolution(ctx context.Context, key string) error
}

// Cache deduplicates side-effecting operations by content-hash key with
// first-writer-wins admission. A resumed thread recomputing a key inside
// the TTL window replays the cached result instead of re-executing the
// operation; with a Journal attached the replay survives process
// restarts too.
type Cache struct {
	entries     map[string]*entry
	ttl         time.Duration
	pendingWait time.Duration
	journal     Journal
	mu          sync.Mutex
}

// Config holds Cache settings.
type Config struct {
	TTL         time.Duration
	PendingWait time.Duration
	// Journal, when set, makes resolutions durable across restarts.
	Journal Journal
}

// NewCache creates a cache. Zero durations fall back to 10 minutes TTL
// and 30 seconds pending wait.
func NewCache(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.PendingWait <= 0 {
		cfg.PendingWait = 30 * time.Second
	}
	return &Cache{
		entries:     make(map[string]*entry),
		ttl:         cfg.TTL,
		pendingWait: cfg.PendingWait,
		journal:     cfg.Journal,
	}
}

// Restore seeds the cache with a journaled resolution. Pending and
// expired rows are skipped; callers invoke it once at startup, before
// the cache serves traffic. Reports whether the record was loaded.
func (c *Cache) Restore(key string, result json.RawMessage, status Status, resolvedAt, expiresAt time.Time) bool {
	if status != StatusSucceeded && status != StatusFailed {
		return false
	}
	if !time.Now().Before(expiresAt) {
		return false
	}

	var value interface{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &value); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("Journaled result unreadable, skipped")
			return false
		}
	}

	done := make(chan struct{})
	close(done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = &entry{
		record: Record{Key: key, Result: value, Status: status, ResolvedAt: resolvedAt, ExpiresAt: expiresAt},
		done:   done,
	}
	return true
}

// Begin claims a key for execution. Exactly one concurrent caller per
// fresh key observes Admitted; the rest observe AlreadyPending until the
// winner resolves, then AlreadyResolved for the remainder of the TTL.
func (c *Cache) Begin(key string) Admission {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		if e.record.Status == StatusPending {
			observability.RecordIdempotencyBegin(string(AlreadyPending))
			return Admission{Outcome: AlreadyPending}
		}
		if now.Before(e.record.ExpiresAt) {
			rec := e.record
			observability.RecordIdempotencyBegin(string(AlreadyResolved))
			return Admission{Outcome: AlreadyResolved, Record: &rec}
		}
		// Expired resolution; treat the key as fresh.
		delete(c.entries, key)
		c.journalDeleteLocked(key)
	}

	c.entries[key] = &entry{
		record: Record{Key: key, Status: StatusPending},
		done:   make(chan struct{}),
	}
	c.updatePendingGaugeLocked()

	observability.RecordIdempotencyBegin(string(Admitted))
	log.Debug().Str("key", key).Msg("Idempotency key admitted")
	return Admission{Outcome: Admitted}
}

// Complete resolves a pending key with the operation's result. Waiters
// blocked in Wait are released with the same record.
func (c *Cache) Complete(key string, result interface{}, status Status) error {
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("invalid resolution status: %s", status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("no record for key %s", key)
	}
	if e.record.Status != StatusPending {
		return fmt.Errorf("key %s already resolved", key)
	}

	now := time.Now()
	e.record.Result = result
	e.record.Status = status
	e.record.ResolvedAt = now
	e.record.ExpiresAt = now.Add(c.ttl)
	close(e.done)
	c.updatePendingGaugeLocked()
	c.journalSaveLocked(e.record)

	log.Debug().Str("key", key).Str("status", string(status)).Msg("Idempotency key resolved")
	return nil
}

// journalSaveLocked persists a resolution. Failures are logged, not
// returned: the in-memory record already protects this process, and
// surfacing an error here would push the caller toward retrying an
// operation that has in fact completed.
func (c *Cache) journalSaveLocked(rec Record) {
	if c.journal == nil {
		return
	}
	raw, err := json.Marshal(rec.Result)
	if err != nil {
		log.Error().Str("key", rec.Key).Err(err).Msg("Idempotency journal write skipped, result not serializable")
		return
	}
	if err := c.journal.SaveResolution(context.Background(), rec.Key, raw, string(rec.Status), rec.ResolvedAt, rec.ExpiresAt); err != nil {
		log.Error().Str("key", rec.Key).Err(err).Msg("Idempotency journal write failed")
	}
}

func (c *Cache) journalDeleteLocked(key string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.DeleteResolution(context.Background(), key); err != nil {
		log.Error().Str("key", key).Err(err).Msg("Idempotency journal delete failed")
	}
}

// Forget releases a key without caching a result, so a later attempt is
// admitted again. Used when the holder decides the attempt should be
// retried rather than replayed. Waiters are released and observe a
// fresh lookup miss.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.record.Status == StatusPending {
		close(e.done)
	} else {
		c.journalDeleteLocked(key)
	}
	delete(c.entries, key)
	c.updatePendingGaugeLocked()

	log.Debug().Str("key", key).Msg("Idempotency key forgotten")
}

// Wait blocks until a pending key resolves, the pending-wait window
// elapses, or ctx is cancelled. When the key resolved to a cached record
// that record is returned; when the holder called Forget, Wait returns
// (nil, nil) and the caller should Begin again.
func (c *Cache) Wait(ctx context.Context, key string) (*Record, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		return nil, nil
	}

	select {
	case <-e.done:
	case <-time.After(c.pendingWait):
		return nil, fmt.Errorf("%w: %s", ErrPendingTimeout, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.entries[key]
	if !ok || cur.record.Status == StatusPending {
		return nil, nil
	}
	rec := cur.record
	return &rec, nil
}

// EvictExpired removes resolved records whose TTL has elapsed and
// returns how many were dropped. Pending records are never evicted;
// their holder resolves or forgets them.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, e := range c.entries {
		if e.record.Status == StatusPending {
			continue
		}
		if now.After(e.record.ExpiresAt) {
			delete(c.entries, key)
			c.journalDeleteLocked(key)
			evicted++
		}
	}

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Expired idempotency records evicted")
	}
	return evicted
}

// Size returns the total number of records, pending included.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingCount returns the number of in-flight keys.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCountLocked()
}

// Clear drops all records. Pending waiters are released.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.record.Status == StatusPending {
			close(e.done)
		}
	}
	c.entries = make(map[string]*entry)
	c.updatePendingGaugeLocked()
}

func (c *Cache) pendingCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.record.Status == StatusPending {
			n++
		}
	}
	return n
}

func (c *Cache) updatePendingGaugeLocked() {
	observability.SetPendingIdempotencyKeys(c.pendingCountLocked())
}
