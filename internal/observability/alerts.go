package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AlertEvent is a structured record surfaced to the external alerting path.
// Terminal thread failures and recovery decisions are never silently dropped;
// they always produce one of these.
type AlertEvent struct {
	Type      string                 `json:"event_type"` // "thread", "recovery", "dependency"
	Timestamp time.Time              `json:"timestamp"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	Action    string                 `json:"action"` // e.g. "thread_failed", "crash_detected"
	Reason    string                 `json:"reason"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AlertLogger records alert events to a dedicated append-only log.
type AlertLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	alertOnce sync.Once
	alertInst *AlertLogger
)

// GetAlertLogger returns the global alert logger instance.
func GetAlertLogger() *AlertLogger {
	alertOnce.Do(func() {
		// Default to stderr if not initialized
		alertInst = &AlertLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	})
	return alertInst
}

// InitAlertLogger points the global alert logger at a specific file.
func InitAlertLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	alertInst = &AlertLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// Record emits an alert event to the log file and the active span, if any.
func (a *AlertLogger) Record(ctx context.Context, event AlertEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("alert.type", event.Type),
			attribute.String("alert.reason", event.Reason),
			attribute.String("alert.thread_id", event.ThreadID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("thread_id", event.ThreadID).
		Str("action", event.Action).
		Str("reason", event.Reason).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the alert logger's file handle.
func (a *AlertLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordThreadFailure surfaces a terminal FAILED thread with its reason code.
func RecordThreadFailure(ctx context.Context, threadID, reason string, metadata map[string]interface{}) {
	GetAlertLogger().Record(ctx, AlertEvent{
		Type:     "thread",
		ThreadID: threadID,
		Action:   "thread_failed",
		Reason:   reason,
		Metadata: metadata,
	})
}

// RecordCrashDetected surfaces a thread found in_progress at startup.
func RecordCrashDetected(ctx context.Context, threadID, disposition string) {
	GetAlertLogger().Record(ctx, AlertEvent{
		Type:     "recovery",
		ThreadID: threadID,
		Action:   "crash_detected",
		Reason:   disposition,
	})
}
