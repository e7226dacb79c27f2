package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// janitor runs the periodic maintenance sweeps: idempotency eviction,
// checkpoint garbage collection and WAL flushing, plus a weekly vacuum.
type janitor struct {
	engine *Engine
	cron   *cron.Cron
}

func newJanitor(e *Engine) *janitor {
	return &janitor{engine: e, cron: cron.New()}
}

func (j *janitor) start() error {
	spec := j.engine.currentConfig().Checkpoint.JanitorSpec
	if spec == "" {
		spec = "@every 1m"
	}

	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@weekly", j.vacuum); err != nil {
		return err
	}

	j.cron.Start()
	j.engine.logger.Info().Str("spec", spec).Msg("Janitor started")
	return nil
}

func (j *janitor) stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *janitor) sweep() {
	e := j.engine

	if evicted := e.cache.EvictExpired(); evicted > 0 {
		e.logger.Debug().Int("evicted", evicted).Msg("Janitor evicted idempotency records")
	}

	cutoff := time.Now().Add(-e.checkpointRetention())

	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	if _, err := e.store.CleanupOlderThan(ctx, cutoff); err != nil {
		e.logger.Warn().Err(err).Msg("Checkpoint cleanup failed")
	}
	if err := e.store.FlushWAL(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("WAL flush failed")
	}
}

func (j *janitor) vacuum() {
	ctx, cancel := context.WithTimeout(j.engine.ctx, 5*time.Minute)
	defer cancel()

	if err := j.engine.store.Vacuum(ctx); err != nil {
		j.engine.logger.Warn().Err(err).Msg("Vacuum failed")
	} else {
		j.engine.logger.Info().Msg("Checkpoint database vacuumed")
	}
}
