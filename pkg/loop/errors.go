package loop

import (
	"context"
	"errors"

	"github.com/harun/keel/pkg/admission"
	"github.com/harun/keel/pkg/checkpoint"
	"github.com/harun/keel/pkg/idempotency"
	"github.com/harun/keel/pkg/model"
	"github.com/harun/keel/pkg/tool"
)

// Class buckets an error by how the driver must react to it.
type Class string

const (
	// ClassTransient errors are retried with bounded backoff.
	ClassTransient Class = "transient"
	// ClassStructural errors are never retried; retrying cannot change
	// the outcome.
	ClassStructural Class = "structural"
	// ClassFatal errors end the thread immediately.
	ClassFatal Class = "fatal"
)

// Failure reason codes recorded on terminal FAILED checkpoints, kept
// distinct so callers can tell "ran too long" from "crashed" from
// "downstream kept failing".
const (
	ReasonLoopGuard          = "loop_guard"
	ReasonRepeatedCall       = "loop_guard_repeated_call"
	ReasonTransientExhausted = "transient_exhausted"
	ReasonStructural         = "structural"
	ReasonCancelled          = "cancelled"
	ReasonCrashDetected      = "crash_detected"
	ReasonLeaseLost          = "lease_lost"
)

// Classify maps an error onto the retry taxonomy. Unknown errors from
// tools and backends default to transient; only errors that provably
// cannot heal are structural.
func Classify(err error) Class {
	switch {
	case errors.Is(err, model.ErrMalformedOutput),
		errors.Is(err, tool.ErrInvalidArguments),
		errors.Is(err, tool.ErrToolNotFound):
		return ClassStructural
	case errors.Is(err, checkpoint.ErrLeaseLost),
		errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, admission.ErrBreakerOpen),
		errors.Is(err, admission.ErrRateLimited),
		errors.Is(err, idempotency.ErrPendingTimeout):
		return ClassTransient
	default:
		return ClassTransient
	}
}
