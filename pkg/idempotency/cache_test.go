package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(ttl, wait time.Duration) *Cache {
	return NewCache(Config{TTL: ttl, PendingWait: wait})
}

func TestCacheBegin(t *testing.T) {
	t.Run("should admit a fresh key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)

		adm := c.Begin("k1")
		assert.Equal(t, Admitted, adm.Outcome)
		assert.Equal(t, 1, c.PendingCount())
	})

	t.Run("should report pending for an in-flight key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")

		adm := c.Begin("k1")
		assert.Equal(t, AlreadyPending, adm.Outcome)
	})

	t.Run("should replay a resolved key within the TTL", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")
		require.NoError(t, c.Complete("k1", "result", StatusSucceeded))

		adm := c.Begin("k1")
		require.Equal(t, AlreadyResolved, adm.Outcome)
		assert.Equal(t, "result", adm.Record.Result)
		assert.Equal(t, StatusSucceeded, adm.Record.Status)
	})

	t.Run("should re-admit after the TTL expires", func(t *testing.T) {
		c := newTestCache(10*time.Millisecond, time.Second)
		c.Begin("k1")
		require.NoError(t, c.Complete("k1", "result", StatusSucceeded))

		time.Sleep(20 * time.Millisecond)

		adm := c.Begin("k1")
		assert.Equal(t, Admitted, adm.Outcome)
	})

	t.Run("should admit exactly one concurrent caller per key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)

		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.Begin("shared").Outcome == Admitted {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, admitted)
	})
}

func TestCacheComplete(t *testing.T) {
	t.Run("should reject completion of an unknown key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		assert.Error(t, c.Complete("missing", nil, StatusSucceeded))
	})

	t.Run("should reject double completion", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")
		require.NoError(t, c.Complete("k1", "a", StatusSucceeded))

		assert.Error(t, c.Complete("k1", "b", StatusSucceeded))
	})

	t.Run("should reject a pending status", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")

		assert.Error(t, c.Complete("k1", nil, StatusPending))
	})

	t.Run("should cache failures too", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")
		require.NoError(t, c.Complete("k1", "boom", StatusFailed))

		adm := c.Begin("k1")
		require.Equal(t, AlreadyResolved, adm.Outcome)
		assert.Equal(t, StatusFailed, adm.Record.Status)
	})
}

func TestCacheWait(t *testing.T) {
	t.Run("should deliver the winner's result to waiters", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")

		resultCh := make(chan *Record, 1)
		go func() {
			rec, err := c.Wait(context.Background(), "k1")
			require.NoError(t, err)
			resultCh <- rec
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, c.Complete("k1", "shared result", StatusSucceeded))

		select {
		case rec := <-resultCh:
			require.NotNil(t, rec)
			assert.Equal(t, "shared result", rec.Result)
		case <-time.After(time.Second):
			t.Fatal("waiter never released")
		}
	})

	t.Run("should time out when the key never resolves", func(t *testing.T) {
		c := newTestCache(time.Minute, 20*time.Millisecond)
		c.Begin("k1")

		_, err := c.Wait(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrPendingTimeout)
	})

	t.Run("should observe context cancellation", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.Wait(ctx, "k1")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should return nil for a forgotten key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")

		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Forget("k1")
		}()

		rec, err := c.Wait(context.Background(), "k1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("should return immediately for an unknown key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		rec, err := c.Wait(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestCacheForget(t *testing.T) {
	t.Run("should re-admit a forgotten key", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")
		c.Forget("k1")

		adm := c.Begin("k1")
		assert.Equal(t, Admitted, adm.Outcome)
	})
}

func TestCacheEvictExpired(t *testing.T) {
	t.Run("should drop only expired resolved records", func(t *testing.T) {
		c := newTestCache(10*time.Millisecond, time.Second)
		c.Begin("old")
		require.NoError(t, c.Complete("old", "x", StatusSucceeded))
		c.Begin("inflight")

		time.Sleep(20 * time.Millisecond)

		c.Begin("fresh")
		require.NoError(t, c.Complete("fresh", "y", StatusSucceeded))

		assert.Equal(t, 1, c.EvictExpired())
		assert.Equal(t, 2, c.Size())
		assert.Equal(t, 1, c.PendingCount())
	})
}

// memJournal records journal traffic for assertions.
type memJournal struct {
	saved   map[string]string
	deleted []string
	mu      sync.Mutex
}

func newMemJournal() *memJournal {
	return &memJournal{saved: make(map[string]string)}
}

func (j *memJournal) SaveResolution(ctx context.Context, key string, result json.RawMessage, status string, resolvedAt, expiresAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved[key] = status
	return nil
}

func (j *memJournal) DeleteResolution(ctx context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deleted = append(j.deleted, key)
	delete(j.saved, key)
	return nil
}

func TestCacheJournal(t *testing.T) {
	t.Run("should journal resolutions but never pending keys", func(t *testing.T) {
		j := newMemJournal()
		c := NewCache(Config{TTL: time.Minute, PendingWait: time.Second, Journal: j})

		c.Begin("k1")
		assert.Empty(t, j.saved)

		require.NoError(t, c.Complete("k1", "done", StatusSucceeded))
		assert.Equal(t, string(StatusSucceeded), j.saved["k1"])
	})

	t.Run("should delete the journal row on forget", func(t *testing.T) {
		j := newMemJournal()
		c := NewCache(Config{TTL: time.Minute, PendingWait: time.Second, Journal: j})

		c.Begin("k1")
		require.NoError(t, c.Complete("k1", "done", StatusFailed))
		c.Forget("k1")

		assert.Empty(t, j.saved)
		assert.Contains(t, j.deleted, "k1")
	})

	t.Run("should delete journal rows on eviction", func(t *testing.T) {
		j := newMemJournal()
		c := NewCache(Config{TTL: 10 * time.Millisecond, PendingWait: time.Second, Journal: j})

		c.Begin("k1")
		require.NoError(t, c.Complete("k1", "done", StatusSucceeded))
		time.Sleep(20 * time.Millisecond)

		require.Equal(t, 1, c.EvictExpired())
		assert.Contains(t, j.deleted, "k1")
	})
}

func TestCacheRestore(t *testing.T) {
	t.Run("should replay a restored record", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		now := time.Now()

		loaded := c.Restore("k1", json.RawMessage(`"applied"`), StatusSucceeded, now, now.Add(time.Minute))
		require.True(t, loaded)

		adm := c.Begin("k1")
		require.Equal(t, AlreadyResolved, adm.Outcome)
		assert.Equal(t, "applied", adm.Record.Result)
	})

	t.Run("should skip expired and pending rows", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		now := time.Now()

		assert.False(t, c.Restore("expired", json.RawMessage(`"x"`), StatusSucceeded, now.Add(-2*time.Minute), now.Add(-time.Minute)))
		assert.False(t, c.Restore("pending", nil, StatusPending, now, now.Add(time.Minute)))
		assert.Equal(t, 0, c.Size())
	})

	t.Run("should not overwrite a live entry", func(t *testing.T) {
		c := newTestCache(time.Minute, time.Second)
		c.Begin("k1")

		now := time.Now()
		assert.False(t, c.Restore("k1", json.RawMessage(`"stale"`), StatusSucceeded, now, now.Add(time.Minute)))
		assert.Equal(t, 1, c.PendingCount())
	})
}
