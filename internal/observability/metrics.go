package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeThreads   prometheus.Gauge
	threadOutcomes  *prometheus.CounterVec
	stepTransitions *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec

	checkpointTotal    *prometheus.CounterVec
	checkpointDuration prometheus.Histogram
	recoveryTotal      *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	breakerState     *prometheus.GaugeVec
	limiterLevel     *prometheus.GaugeVec
	rateLimitedTotal *prometheus.CounterVec

	idempotencyPending prometheus.Gauge
	idempotencyTotal   *prometheus.CounterVec

	verifierAgreement prometheus.Histogram
	verifierTotal     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeThreads: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "loop_active_threads",
					Help: "Threads currently held by a loop driver.",
				},
			),
			threadOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loop_thread_outcomes_total",
					Help: "Terminal thread outcomes by status and reason.",
				},
				[]string{"status", "reason"},
			),
			stepTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loop_transitions_total",
					Help: "State machine transitions by source and target state.",
				},
				[]string{"from", "to"},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "loop_step_duration_seconds",
					Help:    "Step duration in seconds by state.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"state"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loop_retries_total",
					Help: "Transient-error retries by operation.",
				},
				[]string{"operation"},
			),
			checkpointTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkpoint_appends_total",
					Help: "Checkpoint appends by status tag.",
				},
				[]string{"status"},
			),
			checkpointDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "checkpoint_append_duration_seconds",
					Help:    "Durable checkpoint append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			recoveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recovery_threads_total",
					Help: "Recovery manager outcomes per scanned thread.",
				},
				[]string{"outcome"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "breaker_state",
					Help: "Circuit breaker state by tool (0 closed, 1 half-open, 2 open).",
				},
				[]string{"tool"},
			),
			limiterLevel: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "limiter_tokens_available",
					Help: "Token bucket fill level by dependency.",
				},
				[]string{"dependency"},
			),
			rateLimitedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "limiter_rejections_total",
					Help: "Rate-limited acquisitions by dependency.",
				},
				[]string{"dependency"},
			),
			idempotencyPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "idempotency_pending_keys",
					Help: "Idempotency keys currently in flight.",
				},
			),
			idempotencyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "idempotency_begin_total",
					Help: "Idempotency begin outcomes (admitted, pending, replayed).",
				},
				[]string{"outcome"},
			),
			verifierAgreement: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "verifier_agreement_ratio",
					Help:    "Self-consistency agreement ratio distribution.",
					Buckets: prometheus.LinearBuckets(0, 0.1, 11),
				},
			),
			verifierTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "verifier_runs_total",
					Help: "Verifier runs by decision (confident, uncertain, error).",
				},
				[]string{"decision"},
			),
		}

		prometheus.MustRegister(
			m.activeThreads,
			m.threadOutcomes,
			m.stepTransitions,
			m.stepDuration,
			m.retryTotal,
			m.checkpointTotal,
			m.checkpointDuration,
			m.recoveryTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.breakerState,
			m.limiterLevel,
			m.rateLimitedTotal,
			m.idempotencyPending,
			m.idempotencyTotal,
			m.verifierAgreement,
			m.verifierTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveThreads(n int) {
	getMetrics().activeThreads.Set(float64(n))
}

func RecordThreadOutcome(status, reason string) {
	getMetrics().threadOutcomes.WithLabelValues(status, reason).Inc()
}

func RecordTransition(from, to string, duration time.Duration) {
	m := getMetrics()
	m.stepTransitions.WithLabelValues(from, to).Inc()
	m.stepDuration.WithLabelValues(from).Observe(duration.Seconds())
}

func RecordRetry(operation string) {
	getMetrics().retryTotal.WithLabelValues(operation).Inc()
}

func RecordCheckpointAppend(status string, duration time.Duration) {
	m := getMetrics()
	m.checkpointTotal.WithLabelValues(status).Inc()
	m.checkpointDuration.Observe(duration.Seconds())
}

func RecordRecoveryOutcome(outcome string) {
	getMetrics().recoveryTotal.WithLabelValues(outcome).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetBreakerState(tool string, state int) {
	getMetrics().breakerState.WithLabelValues(tool).Set(float64(state))
}

func SetLimiterLevel(dependency string, tokens float64) {
	getMetrics().limiterLevel.WithLabelValues(dependency).Set(tokens)
}

func RecordRateLimited(dependency string) {
	getMetrics().rateLimitedTotal.WithLabelValues(dependency).Inc()
}

func SetPendingIdempotencyKeys(n int) {
	getMetrics().idempotencyPending.Set(float64(n))
}

func RecordIdempotencyBegin(outcome string) {
	getMetrics().idempotencyTotal.WithLabelValues(outcome).Inc()
}

func RecordVerifierRun(agreement float64, decision string) {
	m := getMetrics()
	m.verifierAgreement.Observe(agreement)
	m.verifierTotal.WithLabelValues(decision).Inc()
}
