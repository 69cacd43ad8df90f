// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every prometheus metric family the runtime emits. It
// carries its own registry so multiple collectors (tests, embedded use)
// never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Scheduler
	claimAttemptsTotal       *prometheus.CounterVec
	stepExecutionsTotal      *prometheus.CounterVec
	stepExecutionDuration    *prometheus.HistogramVec
	workflowTransitionsTotal *prometheus.CounterVec

	// Agent loop
	loopOutcomesTotal *prometheus.CounterVec
	loopRounds        *prometheus.HistogramVec
	llmTokensTotal    *prometheus.CounterVec

	// Callback protocol
	callbacksTotal *prometheus.CounterVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector with all families registered under the
// given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.claimAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_attempts_total",
			Help:      "Step claim attempts by result",
		},
		[]string{"result"}, // won, lost
	)
	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Step executions by runner kind and terminal status",
		},
		[]string{"runner", "status"},
	)
	c.stepExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_execution_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"runner"},
	)
	c.workflowTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow status transitions",
		},
		[]string{"status"},
	)

	c.loopOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_outcomes_total",
			Help:      "Agent loop terminal outcomes",
		},
		[]string{"outcome"},
	)
	c.loopRounds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_rounds",
			Help:      "Rounds consumed per agent loop run",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
		[]string{"outcome"},
	)
	c.llmTokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Estimated tokens consumed by loop runs",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.callbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_callbacks_total",
			Help:      "Remote runner callbacks by handling result",
		},
		[]string{"result"}, // accepted, unauthorized, not_found, mismatch
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Idle database connections",
		},
		[]string{"database"},
	)

	return c
}

// Registry exposes the collector's registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest records one handled HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordClaim records a claim attempt. won is false for a lost race.
func (c *Collector) RecordClaim(won bool) {
	result := "won"
	if !won {
		result = "lost"
	}
	c.claimAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordStepExecution records a step reaching a terminal status.
func (c *Collector) RecordStepExecution(runnerKind, status string, duration time.Duration) {
	c.stepExecutionsTotal.WithLabelValues(runnerKind, status).Inc()
	c.stepExecutionDuration.WithLabelValues(runnerKind).Observe(duration.Seconds())
}

// RecordWorkflowTransition records a workflow status change.
func (c *Collector) RecordWorkflowTransition(status string) {
	c.workflowTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordLoopOutcome records a finished agent loop run.
func (c *Collector) RecordLoopOutcome(outcome string, rounds int) {
	c.loopOutcomesTotal.WithLabelValues(outcome).Inc()
	c.loopRounds.WithLabelValues(outcome).Observe(float64(rounds))
}

// RecordLLMTokens records estimated token consumption.
func (c *Collector) RecordLLMTokens(provider, model string, promptTokens, completionTokens int) {
	c.llmTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordCallback records how a remote runner callback was handled.
func (c *Collector) RecordCallback(result string) {
	c.callbacksTotal.WithLabelValues(result).Inc()
}

// RecordDBConnections records pool connection counts.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
