package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/admission"
	"github.com/harun/keel/pkg/checkpoint"
	"github.com/harun/keel/pkg/idempotency"
	"github.com/harun/keel/pkg/model"
	"github.com/harun/keel/pkg/tool"
	"github.com/harun/keel/pkg/verifier"
)

// repeatedCallLimit is how many consecutive identical tool calls the
// loop guard tolerates before failing the thread.
const repeatedCallLimit = 3

// modelDependency is the limiter bucket shared by all model calls.
const modelDependency = "model"

// Services are the shared collaborators a driver runs against. They are
// injected rather than global so tests can build isolated instances;
// limiter, breaker and idempotency state is shared across every driver
// that receives the same values.
type Services struct {
	Provider    model.Provider
	Tools       *tool.Registry
	Limiter     *admission.Limiter
	Breaker     *admission.Breaker
	Idempotency *idempotency.Cache
	Checkpoints *checkpoint.Store
	// Verifier is optional; without it low-confidence answers are
	// accepted as-is.
	Verifier *verifier.Verifier
}

// Config holds driver tuning.
type Config struct {
	// MaxToolIterations bounds tool calls per thread. Defaults to 5.
	MaxToolIterations int
	// MaxRetries bounds retries of one transient failure. Defaults to 3.
	MaxRetries int
	// RetryBackoff is the base backoff, doubled per attempt. Defaults to 1s.
	RetryBackoff time.Duration
	// StepTimeout bounds one model or tool call. Defaults to 60s.
	StepTimeout time.Duration
	// ContextWindow caps how many messages are sent to the model.
	// Defaults to 20.
	ContextWindow int
	// LeaseTTL is how long a thread lease lives between renewals.
	// Defaults to 2 minutes.
	LeaseTTL time.Duration
	Logger   zerolog.Logger
}

// Driver advances one thread at a time through the PLANNING, ACTING and
// VALIDATING states, checkpointing after every transition. Within a
// thread steps are strictly sequential; concurrency happens across
// threads, one driver per thread.
type Driver struct {
	services Services
	cfg      Config
	cfgMu    sync.RWMutex
}

// applyDefaults normalizes zero tunables the same way for construction
// and retuning.
func applyDefaults(cfg *Config) {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 20
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
}

// NewDriver validates collaborators and applies config defaults.
func NewDriver(services Services, cfg Config) (*Driver, error) {
	if services.Provider == nil {
		return nil, errors.New("model provider is required")
	}
	if services.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if services.Limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if services.Breaker == nil {
		return nil, errors.New("circuit breaker is required")
	}
	if services.Idempotency == nil {
		return nil, errors.New("idempotency cache is required")
	}
	if services.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}

	applyDefaults(&cfg)

	observability.EnsureRegistered()
	return &Driver{services: services, cfg: cfg}, nil
}

// Retune swaps the runtime limits; in-flight threads pick the new values
// up at their next step. The logger is kept from construction.
func (d *Driver) Retune(cfg Config) {
	applyDefaults(&cfg)

	d.cfgMu.Lock()
	cfg.Logger = d.cfg.Logger
	d.cfg = cfg
	d.cfgMu.Unlock()
}

// tunables returns a consistent copy of the current limits.
func (d *Driver) tunables() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Run drives the thread to a terminal state under an exclusive lease.
// The thread may be fresh or reconstructed from a checkpoint; either way
// the state machine picks up from thread.State. The returned thread is
// always in DONE or FAILED; err is non-nil only when an underlying error
// caused the failure (guard and cancellation outcomes return nil).
func (d *Driver) Run(ctx context.Context, thread *Thread) (*Thread, error) {
	cfg := d.tunables()
	logger := cfg.Logger.With().Str("thread_id", thread.ID).Logger()

	ctx, span := tracing.StartSpan(ctx, "keel/loop", "thread.run",
		attribute.String("thread.id", thread.ID),
		attribute.String("thread.state", string(thread.State)))
	defer span.End()

	// The lease is taken on the background context so a thread cancelled
	// before its first step can still commit a terminal checkpoint.
	leaseToken, err := d.services.Checkpoints.AcquireLease(context.Background(), thread.ID, cfg.LeaseTTL)
	if err != nil {
		return thread, fmt.Errorf("failed to acquire thread lease: %w", err)
	}
	defer func() {
		// Release on the background context so a cancelled run still
		// frees the thread.
		if err := d.services.Checkpoints.ReleaseLease(context.Background(), thread.ID, leaseToken); err != nil {
			logger.Warn().Err(err).Msg("Lease release failed")
		}
	}()

	for {
		// Cancellation is observed here, at the transition boundary,
		// never mid-call.
		if ctx.Err() != nil {
			logger.Info().Msg("Thread cancelled")
			d.terminate(thread, leaseToken, ReasonCancelled, logger)
			return thread, nil
		}

		from := thread.State
		startTime := time.Now()

		var stepErr error
		switch thread.State {
		case StatePlanning:
			stepErr = d.stepPlanning(ctx, thread, logger)
		case StateActing:
			stepErr = d.stepActing(ctx, thread, logger)
		case StateValidating:
			d.stepValidating(thread, logger)
		default:
			stepErr = fmt.Errorf("thread %s in unexpected state %s", thread.ID, thread.State)
		}

		if stepErr != nil {
			reason := failureReason(stepErr)
			logger.Error().Err(stepErr).Str("reason", reason).Msg("Thread step failed")
			thread.FailureReason = reason
			thread.State = StateFailed
			d.terminate(thread, leaseToken, reason, logger)
			return thread, stepErr
		}

		observability.RecordTransition(string(from), string(thread.State), time.Since(startTime))

		if thread.State.Terminal() {
			d.terminate(thread, leaseToken, thread.FailureReason, logger)
			return thread, nil
		}

		if err := d.commit(ctx, thread, leaseToken, checkpoint.StatusInProgress); err != nil {
			if errors.Is(err, checkpoint.ErrLeaseLost) {
				// Another driver took the thread over; stop without
				// writing anything further.
				logger.Warn().Msg("Thread lease lost, yielding")
				return thread, err
			}
			thread.FailureReason = ReasonStructural
			thread.State = StateFailed
			return thread, err
		}
	}
}

// terminate writes the terminal checkpoint and emits outcome telemetry.
// It runs on the background context so cancelled threads still commit.
func (d *Driver) terminate(thread *Thread, leaseToken, reason string, logger zerolog.Logger) {
	if reason != "" && thread.FailureReason == "" {
		thread.FailureReason = reason
	}
	if reason == ReasonCancelled {
		thread.State = StateFailed
		thread.FailureReason = ReasonCancelled
	}

	status := checkpoint.StatusCompleted
	outcome := "done"
	if thread.State == StateFailed {
		status = checkpoint.StatusFailed
		outcome = "failed"
	}

	if err := d.commit(context.Background(), thread, leaseToken, status); err != nil {
		logger.Error().Err(err).Msg("Terminal checkpoint write failed")
	}

	observability.RecordThreadOutcome(outcome, thread.FailureReason)
	if thread.State == StateFailed {
		observability.RecordThreadFailure(context.Background(), thread.ID, thread.FailureReason, map[string]interface{}{
			"step":       thread.Step,
			"tool_calls": thread.ToolCalls,
		})
	}

	logger.Info().
		Str("state", string(thread.State)).
		Str("reason", thread.FailureReason).
		Int("steps", thread.Step).
		Msg("Thread finished")
}

// commit durably checkpoints the thread under the fencing token.
func (d *Driver) commit(ctx context.Context, thread *Thread, leaseToken string, status checkpoint.Status) error {
	thread.Step++
	thread.UpdatedAt = time.Now()

	snapshot, err := thread.Snapshot()
	if err != nil {
		return err
	}

	if _, err := d.services.Checkpoints.Append(ctx, thread.ID, thread.Step, snapshot, status, leaseToken); err != nil {
		return fmt.Errorf("failed to checkpoint thread %s: %w", thread.ID, err)
	}

	cfg := d.tunables()
	if err := d.services.Checkpoints.RenewLease(ctx, thread.ID, leaseToken, cfg.LeaseTTL); err != nil &&
		!errors.Is(err, checkpoint.ErrLeaseLost) {
		cfg.Logger.Warn().Err(err).Str("thread_id", thread.ID).Msg("Lease renewal failed")
	}
	return nil
}

// stepPlanning asks the model for the next move and classifies the
// response as a final answer or a tool call.
func (d *Driver) stepPlanning(ctx context.Context, thread *Thread, logger zerolog.Logger) error {
	req := d.buildRequest(thread)

	text, err := d.generateWithRetry(ctx, req, logger)
	if err != nil {
		return err
	}

	decision, err := model.ParseDecision(text)
	if err != nil {
		return err
	}

	if decision.Kind == model.DecisionToolCall {
		thread.Append(model.Message{Role: "assistant", Content: text})
		thread.Pending = &ToolCall{Name: decision.ToolName, Arguments: decision.Arguments}
		thread.State = StateActing
		return nil
	}

	answer := decision.Answer
	if d.services.Verifier != nil && decision.Confidence < d.services.Verifier.Threshold() {
		resolved, accepted, err := d.corroborate(ctx, thread, req, answer, logger)
		if err != nil {
			return err
		}
		if !accepted {
			// The thread was redirected; state already updated.
			return nil
		}
		answer = resolved
	}

	thread.FinalAnswer = answer
	thread.Append(model.Message{Role: "assistant", Content: answer})
	thread.State = StateDone
	return nil
}

// corroborate runs self-consistency sampling over an uncertain answer.
// High agreement substitutes the majority answer; low agreement pushes
// the thread back to planning once with a nudge toward tool use, then
// accepts the majority on a second occurrence so planning cannot spin.
func (d *Driver) corroborate(ctx context.Context, thread *Thread, req model.Request, answer string, logger zerolog.Logger) (string, bool, error) {
	score, err := d.services.Verifier.SampleAndScore(ctx, req)
	if err != nil {
		return "", false, err
	}

	majority := score.MajorityAnswer
	if md, perr := model.ParseDecision(majority); perr == nil {
		if md.Kind == model.DecisionToolCall {
			thread.Append(model.Message{Role: "assistant", Content: majority})
			thread.Pending = &ToolCall{Name: md.ToolName, Arguments: md.Arguments}
			thread.State = StateActing
			return "", false, nil
		}
		majority = md.Answer
	}

	if d.services.Verifier.Confident(score) {
		return majority, true, nil
	}

	if thread.VerifierNudges == 0 {
		thread.VerifierNudges++
		thread.Append(model.Message{
			Role:    "system",
			Content: "Answer agreement across samples was low. Corroborate with a tool before giving a final answer.",
		})
		logger.Info().Float64("agreement", score.AgreementRatio).Msg("Low agreement, requesting tool corroboration")
		return "", false, nil
	}

	// Already nudged once; accept the majority rather than loop.
	logger.Warn().Float64("agreement", score.AgreementRatio).Msg("Low agreement persisted, accepting majority answer")
	return majority, true, nil
}

// stepActing applies the pending tool call through the limiter, breaker
// and idempotency cache, then records the result in thread history.
func (d *Driver) stepActing(ctx context.Context, thread *Thread, logger zerolog.Logger) error {
	call := thread.Pending
	if call == nil {
		return fmt.Errorf("%w: acting without a pending tool call", model.ErrMalformedOutput)
	}

	// Validation precedes key computation so equal argument sets always
	// canonicalize to the same key.
	validated, err := d.services.Tools.ValidateArguments(call.Name, call.Arguments)
	if err != nil {
		return err
	}

	// The key binds the step at which the call was planned; a resumed or
	// retried attempt recomputes the identical key and replays.
	key, err := tool.IdempotencyKey(thread.ID, thread.Step, call.Name, validated)
	if err != nil {
		return err
	}

	output, err := d.executeWithRetry(ctx, call.Name, validated, key, logger)
	if err != nil {
		return err
	}

	content, err := json.Marshal(output)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", output))
	}
	thread.Append(model.Message{Role: "tool", Content: string(content), ToolCallID: call.Name})

	fingerprint, err := tool.CanonicalJSON(map[string]interface{}{"name": call.Name, "args": validated})
	if err == nil {
		if string(fingerprint) == thread.LastCallKey {
			thread.RepeatCount++
		} else {
			thread.LastCallKey = string(fingerprint)
			thread.RepeatCount = 1
		}
	}

	thread.ToolCalls++
	thread.Pending = nil
	thread.State = StateValidating
	return nil
}

// stepValidating enforces the loop guards and otherwise returns the
// thread to planning.
func (d *Driver) stepValidating(thread *Thread, logger zerolog.Logger) {
	switch {
	case thread.ToolCalls >= d.tunables().MaxToolIterations:
		logger.Warn().Int("tool_calls", thread.ToolCalls).Msg("Iteration limit reached")
		thread.FailureReason = ReasonLoopGuard
		thread.State = StateFailed
	case thread.RepeatCount >= repeatedCallLimit:
		logger.Warn().Int("repeats", thread.RepeatCount).Msg("Repeated identical tool call")
		thread.FailureReason = ReasonRepeatedCall
		thread.State = StateFailed
	default:
		thread.State = StatePlanning
	}
}

// generateWithRetry calls the model through the limiter with bounded
// exponential backoff on transient failures.
func (d *Driver) generateWithRetry(ctx context.Context, req model.Request, logger zerolog.Logger) (string, error) {
	cfg := d.tunables()
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.RecordRetry(modelDependency)
			if err := d.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}

		if retryAfter, err := d.services.Limiter.AcquireErr(modelDependency); err != nil {
			logger.Debug().Dur("retry_after", retryAfter).Msg("Model call rate-limited")
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.StepTimeout)
		text, err := d.services.Provider.Generate(callCtx, req)
		cancel()
		if err == nil {
			return text, nil
		}
		if Classify(err) != ClassTransient {
			return "", err
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Model call failed")
		lastErr = err
	}
	return "", fmt.Errorf("model call retries exhausted: %w", lastErr)
}

// executeWithRetry runs one tool call with bounded backoff. Every
// attempt passes limiter, then breaker, then the idempotency cache, so a
// replayed attempt that finds a cached result never re-executes.
func (d *Driver) executeWithRetry(ctx context.Context, name string, args map[string]interface{}, key string, logger zerolog.Logger) (interface{}, error) {
	cfg := d.tunables()
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.RecordRetry("tool:" + name)
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		output, err := d.executeOnce(ctx, name, args, key)
		if err == nil {
			return output, nil
		}
		if Classify(err) != ClassTransient {
			return nil, err
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Str("tool", name).Msg("Tool call failed")
		lastErr = err
	}
	return nil, fmt.Errorf("tool call retries exhausted: %w", lastErr)
}

func (d *Driver) executeOnce(ctx context.Context, name string, args map[string]interface{}, key string) (interface{}, error) {
	if _, err := d.services.Limiter.AcquireErr("tool:" + name); err != nil {
		return nil, err
	}

	return d.services.Breaker.Call(ctx, name, func(ctx context.Context) (interface{}, error) {
		for {
			adm := d.services.Idempotency.Begin(key)
			switch adm.Outcome {
			case idempotency.AlreadyResolved:
				if adm.Record.Status == idempotency.StatusSucceeded {
					return adm.Record.Result, nil
				}
				// A cached failure is not replayable; clear it and retry.
				d.services.Idempotency.Forget(key)
				return nil, fmt.Errorf("cached failure for tool %s", name)

			case idempotency.AlreadyPending:
				record, err := d.services.Idempotency.Wait(ctx, key)
				if err != nil {
					return nil, err
				}
				if record != nil && record.Status == idempotency.StatusSucceeded {
					return record.Result, nil
				}
				// Holder forgot or failed the key; contend again.
				continue

			case idempotency.Admitted:
				result, err := d.services.Tools.Execute(ctx, name, args, d.tunables().StepTimeout)
				if err != nil {
					d.services.Idempotency.Forget(key)
					return nil, err
				}
				if cerr := d.services.Idempotency.Complete(key, result.Output, idempotency.StatusSucceeded); cerr != nil {
					return nil, cerr
				}
				return result.Output, nil
			}
		}
	})
}

// backoff sleeps for RetryBackoff doubled per attempt, capped at 30s,
// returning early on cancellation.
func (d *Driver) backoff(ctx context.Context, attempt int) error {
	delay := d.tunables().RetryBackoff << (attempt - 1)
	if max := 30 * time.Second; delay > max {
		delay = max
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildRequest compacts thread history to the configured window: the
// opening message is always kept, elided middle messages are folded into
// a summary entry, and the rest is the most recent tail.
func (d *Driver) buildRequest(thread *Thread) model.Request {
	window := d.tunables().ContextWindow
	messages := thread.Messages
	if len(messages) > window {
		tail := window - 2
		if tail < 1 {
			tail = 1
		}
		elided := len(messages) - 1 - tail
		compacted := make([]model.Message, 0, tail+2)
		compacted = append(compacted, messages[0])
		compacted = append(compacted, model.Message{
			Role:    "system",
			Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", elided),
		})
		compacted = append(compacted, messages[len(messages)-tail:]...)
		messages = compacted
	}
	return model.Request{Messages: messages}
}

// failureReason maps a step error onto its terminal reason code.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, checkpoint.ErrLeaseLost):
		return ReasonLeaseLost
	default:
		switch Classify(err) {
		case ClassStructural:
			return ReasonStructural
		case ClassFatal:
			return ReasonStructural
		default:
			return ReasonTransientExhausted
		}
	}
}
