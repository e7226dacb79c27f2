package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/pkg/checkpoint"
	"github.com/harun/keel/pkg/loop"
)

// maxRecoveryAttempts caps how often a thread may be crash-resumed
// before it is marked failed for good.
const maxRecoveryAttempts = 3

// Resumer runs a reconstructed thread to a terminal state. Implemented
// by the loop driver.
type Resumer interface {
	Run(ctx context.Context, thread *loop.Thread) (*loop.Thread, error)
}

// Report summarizes one recovery pass.
type Report struct {
	Scanned   int `json:"scanned"`
	Resumed   int `json:"resumed"`
	Failed    int `json:"failed"`
	Corrupted int `json:"corrupted"`
}

// Manager scans the checkpoint store once at process start for threads
// whose latest record is still in_progress and either resumes them or
// marks them failed with a crash-detected reason.
type Manager struct {
	store      *checkpoint.Store
	resumer    Resumer
	autoResume bool
	logger     zerolog.Logger
}

// Config holds Manager settings.
type Config struct {
	Store *checkpoint.Store
	// Resumer is required when AutoResume is on.
	Resumer    Resumer
	AutoResume bool
	Logger     zerolog.Logger
}

// NewManager creates a recovery manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.AutoResume && cfg.Resumer == nil {
		return nil, errors.New("resumer is required when auto-resume is on")
	}
	return &Manager{
		store:      cfg.Store,
		resumer:    cfg.Resumer,
		autoResume: cfg.AutoResume,
		logger:     cfg.Logger,
	}, nil
}

// Recover performs the startup pass. Resumes run sequentially so the
// report reflects final dispositions; corruption and disabled
// auto-resume both surface as failed threads with an alert record,
// never as a silent drop.
func (m *Manager) Recover(ctx context.Context) (*Report, error) {
	incomplete, err := m.store.ScanIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for incomplete threads: %w", err)
	}

	report := &Report{Scanned: len(incomplete)}
	if len(incomplete) == 0 {
		m.logger.Info().Msg("No interrupted threads found")
		return report, nil
	}

	m.logger.Info().Int("threads", len(incomplete)).Msg("Interrupted threads detected")

	// Leases surviving in the store belong to the crashed process.
	if err := m.store.ClearLeases(ctx); err != nil {
		return nil, err
	}

	for _, cp := range incomplete {
		thread, verr := validateSnapshot(&cp)
		if verr != nil {
			m.logger.Error().Err(verr).Str("thread_id", cp.ThreadID).Msg("Checkpoint failed integrity validation")
			m.markFailed(ctx, &cp, loop.ReasonStructural, "corrupted")
			report.Corrupted++
			observability.RecordRecoveryOutcome("corrupted")
			continue
		}

		if !m.autoResume {
			m.markFailed(ctx, &cp, loop.ReasonCrashDetected, "marked_failed")
			report.Failed++
			observability.RecordRecoveryOutcome("marked_failed")
			continue
		}

		if thread.RecoveryAttempts >= maxRecoveryAttempts {
			m.logger.Warn().Str("thread_id", thread.ID).Int("attempts", thread.RecoveryAttempts).
				Msg("Recovery attempt cap reached")
			m.markFailed(ctx, &cp, loop.ReasonCrashDetected, "attempts_exhausted")
			report.Failed++
			observability.RecordRecoveryOutcome("attempts_exhausted")
			continue
		}

		thread.RecoveryAttempts++
		m.logger.Info().
			Str("thread_id", thread.ID).
			Str("state", string(thread.State)).
			Int("attempt", thread.RecoveryAttempts).
			Msg("Resuming interrupted thread")

		if _, err := m.resumer.Run(ctx, thread); err != nil {
			m.logger.Error().Err(err).Str("thread_id", thread.ID).Msg("Resumed thread failed")
			report.Failed++
			observability.RecordRecoveryOutcome("resume_failed")
			continue
		}
		report.Resumed++
		observability.RecordRecoveryOutcome("resumed")
	}

	m.logger.Info().
		Int("scanned", report.Scanned).
		Int("resumed", report.Resumed).
		Int("failed", report.Failed).
		Int("corrupted", report.Corrupted).
		Msg("Recovery pass finished")
	return report, nil
}

// markFailed writes a terminal failed checkpoint for a thread that will
// not be resumed and emits an alert record.
func (m *Manager) markFailed(ctx context.Context, cp *checkpoint.Checkpoint, reason, disposition string) {
	if _, err := m.store.Append(ctx, cp.ThreadID, cp.Step+1, cp.Snapshot, checkpoint.StatusFailed, ""); err != nil {
		m.logger.Error().Err(err).Str("thread_id", cp.ThreadID).Msg("Failed to mark thread failed")
		return
	}
	observability.RecordCrashDetected(ctx, cp.ThreadID, disposition)
	observability.RecordThreadFailure(ctx, cp.ThreadID, reason, map[string]interface{}{
		"disposition": disposition,
		"seq":         cp.Seq,
	})
}

// validateSnapshot checks a checkpoint's integrity before resume: the
// snapshot must deserialize cleanly, belong to the recorded thread, sit
// in a non-terminal state, and its step counter must agree with the
// sequence numbering. Any inconsistency fails the thread rather than
// resuming partial state.
func validateSnapshot(cp *checkpoint.Checkpoint) (*loop.Thread, error) {
	thread, err := loop.ThreadFromSnapshot(cp.Snapshot)
	if err != nil {
		return nil, err
	}
	if thread.ID != cp.ThreadID {
		return nil, fmt.Errorf("snapshot thread id %s does not match checkpoint %s", thread.ID, cp.ThreadID)
	}
	if thread.State.Terminal() {
		return nil, fmt.Errorf("thread %s checkpointed in_progress but snapshot state is %s", cp.ThreadID, thread.State)
	}
	if thread.Step != cp.Step {
		return nil, fmt.Errorf("thread %s step %d does not match checkpoint step %d", cp.ThreadID, thread.Step, cp.Step)
	}
	if int64(cp.Step) > cp.Seq {
		return nil, fmt.Errorf("thread %s step %d ahead of sequence %d", cp.ThreadID, cp.Step, cp.Seq)
	}
	return thread, nil
}
