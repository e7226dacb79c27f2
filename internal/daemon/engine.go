package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/keel/internal/config"
	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/admission"
	"github.com/harun/keel/pkg/checkpoint"
	"github.com/harun/keel/pkg/idempotency"
	"github.com/harun/keel/pkg/loop"
	"github.com/harun/keel/pkg/model"
	"github.com/harun/keel/pkg/recovery"
	"github.com/harun/keel/pkg/tool"
	"github.com/harun/keel/pkg/verifier"
)

// Engine wires the shared services together and owns the process
// lifecycle: recovery at boot, thread intake while running, janitor and
// status surfaces on the side.
type Engine struct {
	config *config.Config
	logger zerolog.Logger

	provider model.Provider
	registry *tool.Registry
	store    *checkpoint.Store
	cache    *idempotency.Cache
	limiter  *admission.Limiter
	breaker  *admission.Breaker
	driver   *loop.Driver
	check    *verifier.Verifier
	recovery *recovery.Manager
	janitor  *janitor
	status   *statusServer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime    time.Time
	active       int
	running      bool
	lastRecovery recovery.Report
	mu           sync.Mutex
}

// NewEngine builds the full service graph from configuration.
func NewEngine(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("keel"); err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}

	provider, err := selectProvider(cfg.Providers)
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	if err := tool.RegisterBuiltins(registry, tool.Options{WorkspaceRoot: cfg.DataDir}); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	store, err := checkpoint.NewStore(checkpoint.Config{
		DBPath: cfg.Checkpoint.DBPath,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	cache := idempotency.NewCache(idempotency.Config{
		TTL:         cfg.Idempotency.TTL(),
		PendingWait: cfg.Idempotency.PendingWait(),
		Journal:     store,
	})
	if resolutions, err := store.LoadResolutions(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Idempotency journal unreadable, starting empty")
	} else {
		restored := 0
		for _, r := range resolutions {
			if cache.Restore(r.Key, r.Result, idempotency.Status(r.Status), r.ResolvedAt, r.ExpiresAt) {
				restored++
			}
		}
		if restored > 0 {
			logger.Info().Int("records", restored).Msg("Idempotency journal replayed")
		}
	}

	overrides := make(map[string]admission.BucketSettings, len(cfg.Limiter.Dependencies))
	for dep, b := range cfg.Limiter.Dependencies {
		overrides[dep] = admission.BucketSettings{Capacity: b.Capacity, RefillRate: b.RefillRate}
	}
	limiter := admission.NewLimiter(admission.BucketSettings{
		Capacity:   cfg.Limiter.DefaultCapacity,
		RefillRate: cfg.Limiter.DefaultRefillRate,
	}, overrides)

	breaker := admission.NewBreaker(admission.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow(),
		Cooldown:         cfg.Breaker.Cooldown(),
		MaxCooldown:      cfg.Breaker.MaxCooldown(),
	})

	check, err := verifier.New(verifier.Config{
		Provider:  provider,
		Samples:   cfg.Verifier.Samples,
		Threshold: cfg.Verifier.Threshold,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	driver, err := loop.NewDriver(loop.Services{
		Provider:    provider,
		Tools:       registry,
		Limiter:     limiter,
		Breaker:     breaker,
		Idempotency: cache,
		Checkpoints: store,
		Verifier:    check,
	}, loop.Config{
		MaxToolIterations: cfg.Loop.MaxToolIterations,
		MaxRetries:        cfg.Loop.MaxRetries,
		RetryBackoff:      cfg.Loop.RetryBackoff(),
		StepTimeout:       cfg.Loop.StepTimeout(),
		ContextWindow:     cfg.Loop.ContextWindow,
		LeaseTTL:          cfg.Loop.LeaseTTL(),
		Logger:            logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create loop driver: %w", err)
	}

	recoveryMgr, err := recovery.NewManager(recovery.Config{
		Store:      store,
		Resumer:    driver,
		AutoResume: cfg.Loop.AutoResume,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create recovery manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   cfg,
		logger:   logger,
		provider: provider,
		registry: registry,
		store:    store,
		cache:    cache,
		limiter:  limiter,
		breaker:  breaker,
		driver:   driver,
		check:    check,
		recovery: recoveryMgr,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.janitor = newJanitor(e)
	e.status = newStatusServer(e)
	return e, nil
}

// selectProvider picks the highest-priority configured backend.
func selectProvider(profiles []config.ProviderConfig) (model.Provider, error) {
	if len(profiles) == 0 {
		return nil, errors.New("no model providers configured")
	}

	sorted := make([]config.ProviderConfig, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	factory := &model.ProviderFactory{}
	var lastErr error
	for _, p := range sorted {
		provider, err := factory.NewProvider(model.Profile{
			Name: p.Name, APIKey: p.APIKey, Model: p.Model, Priority: p.Priority,
		})
		if err == nil {
			return provider, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no usable model provider: %w", lastErr)
}

// Start runs the boot sequence: recovery pass, then the janitor and the
// status server.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.startTime = time.Now()
	e.mu.Unlock()

	report, err := e.recovery.Recover(e.ctx)
	if err != nil {
		return fmt.Errorf("recovery pass failed: %w", err)
	}
	e.mu.Lock()
	e.lastRecovery = *report
	e.mu.Unlock()
	e.logger.Info().
		Int("scanned", report.Scanned).
		Int("resumed", report.Resumed).
		Msg("Engine recovery pass complete")

	if err := e.janitor.start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	if err := e.status.start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	e.logger.Info().Msg("Engine started")
	return nil
}

// Submit runs one thread for the given input and blocks until it
// reaches a terminal state.
func (e *Engine) Submit(ctx context.Context, input string) (*loop.Thread, error) {
	if input == "" {
		return nil, errors.New("input is required")
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, errors.New("engine not running")
	}
	e.active++
	observability.SetActiveThreads(e.active)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		observability.SetActiveThreads(e.active)
		e.mu.Unlock()
	}()

	thread := loop.NewThread(input)
	runCtx := tracing.WithThreadID(ctx, thread.ID)
	return e.driver.Run(runCtx, thread)
}

// SubmitAsync runs a thread in the background.
func (e *Engine) SubmitAsync(input string) (string, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", errors.New("engine not running")
	}
	e.mu.Unlock()

	thread := loop.NewThread(input)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		e.mu.Lock()
		e.active++
		observability.SetActiveThreads(e.active)
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			e.active--
			observability.SetActiveThreads(e.active)
			e.mu.Unlock()
		}()

		runCtx := tracing.WithThreadID(e.ctx, thread.ID)
		if _, err := e.driver.Run(runCtx, thread); err != nil {
			e.logger.Error().Err(err).Str("thread_id", thread.ID).Msg("Background thread failed")
		}
	}()
	return thread.ID, nil
}

// Stop shuts the engine down: in-flight threads observe cancellation at
// their next transition boundary and commit terminal checkpoints.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info().Msg("Engine stopping")
	e.cancel()
	e.wg.Wait()

	e.janitor.stop()
	if err := e.status.stop(); err != nil {
		e.logger.Warn().Err(err).Msg("Status server shutdown failed")
	}

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint store: %w", err)
	}
	if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
		e.logger.Warn().Err(err).Msg("Tracing shutdown failed")
	}
	e.logger.Info().Msg("Engine stopped")
	return nil
}

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

// ActiveThreads reports the number of in-flight threads.
func (e *Engine) ActiveThreads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// LastRecovery reports the outcome of the boot-time recovery pass.
func (e *Engine) LastRecovery() recovery.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRecovery
}

// currentConfig returns the configuration now in force.
func (e *Engine) currentConfig() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// checkpointRetention reads the current checkpoint retention window.
func (e *Engine) checkpointRetention() time.Duration {
	e.mu.Lock()
	days := e.config.Checkpoint.RetentionDays
	e.mu.Unlock()
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// ApplyConfig applies a reloaded configuration to the running engine.
// Only the tunables are swapped live: loop limits and timeouts, verifier
// sampling, and checkpoint retention. Structural settings such as
// providers, the database path, and the status port keep their boot-time
// values until the process restarts. An invalid configuration is
// rejected whole, leaving the previous one in force.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reloaded configuration rejected: %w", err)
	}

	e.driver.Retune(loop.Config{
		MaxToolIterations: cfg.Loop.MaxToolIterations,
		MaxRetries:        cfg.Loop.MaxRetries,
		RetryBackoff:      cfg.Loop.RetryBackoff(),
		StepTimeout:       cfg.Loop.StepTimeout(),
		ContextWindow:     cfg.Loop.ContextWindow,
		LeaseTTL:          cfg.Loop.LeaseTTL(),
	})
	e.check.SetTuning(cfg.Verifier.Samples, cfg.Verifier.Threshold)

	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()

	e.logger.Info().
		Int("max_tool_iterations", cfg.Loop.MaxToolIterations).
		Int("verifier_samples", cfg.Verifier.Samples).
		Float64("verifier_threshold", cfg.Verifier.Threshold).
		Int("retention_days", cfg.Checkpoint.RetentionDays).
		Msg("Configuration reloaded")
	return nil
}
