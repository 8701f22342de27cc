package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workflow engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	retryAttempts *prometheus.CounterVec

	// Recovery metrics
	recoveryDecisions    *prometheus.CounterVec
	pendingInterventions prometheus.Gauge

	// Rollback metrics
	rollbacksExecuted *prometheus.CounterVec
	rollbackDuration  prometheus.Histogram

	// Checkpoint metrics
	checkpointsSaved prometheus.Counter

	// Error metrics
	errorsByKind *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs completed, by terminal status",
			},
			[]string{"workflow", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step executions, by outcome",
			},
			[]string{"workflow", "command", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution duration in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow", "command"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of step retry attempts",
			},
			[]string{"workflow", "step"},
		),
		recoveryDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_decisions_total",
				Help:      "Total number of recovery strategy decisions, by type",
			},
			[]string{"strategy"},
		),
		pendingInterventions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_interventions",
				Help:      "Number of unresolved manual intervention requests",
			},
		),
		rollbacksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_executed_total",
				Help:      "Total number of rollback plans executed, by trigger",
			},
			[]string{"workflow", "trigger"},
		),
		rollbackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollback_duration_seconds",
				Help:      "Rollback plan execution duration in seconds",
				Buckets:   buckets,
			},
		),
		checkpointsSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_saved_total",
				Help:      "Total number of checkpoints written",
			},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of classified errors, by kind",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of classified errors, by code",
			},
			[]string{"code"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of workflow runs currently executing",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.stepsExecuted, m.stepDuration, m.retryAttempts,
		m.recoveryDecisions, m.pendingInterventions,
		m.rollbacksExecuted, m.rollbackDuration,
		m.checkpointsSaved, m.errorsByKind, m.errorsByCode,
		m.activeRuns,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted records a run start.
func (m *Metrics) RunStarted(workflow string) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RunCompleted records a run's terminal status and duration.
func (m *Metrics) RunCompleted(workflow, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// StepExecuted records one step's terminal outcome.
func (m *Metrics) StepExecuted(workflow, command, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(workflow, command, status).Inc()
	m.stepDuration.WithLabelValues(workflow, command).Observe(duration.Seconds())
}

// RetryAttempted records a retry attempt for a step.
func (m *Metrics) RetryAttempted(workflow, step string) {
	if m.registry == nil {
		return
	}
	m.retryAttempts.WithLabelValues(workflow, step).Inc()
}

// RecoveryDecision records a recovery strategy choice.
func (m *Metrics) RecoveryDecision(strategy string) {
	if m.registry == nil {
		return
	}
	m.recoveryDecisions.WithLabelValues(strategy).Inc()
}

// InterventionPending adjusts the pending-interventions gauge.
func (m *Metrics) InterventionPending(delta int) {
	if m.registry == nil {
		return
	}
	m.pendingInterventions.Add(float64(delta))
}

// RollbackExecuted records a rollback plan execution.
func (m *Metrics) RollbackExecuted(workflow, trigger string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.rollbacksExecuted.WithLabelValues(workflow, trigger).Inc()
	m.rollbackDuration.Observe(duration.Seconds())
}

// CheckpointSaved records a checkpoint write.
func (m *Metrics) CheckpointSaved() {
	if m.registry == nil {
		return
	}
	m.checkpointsSaved.Inc()
}

// ErrorRecorded records a classified error.
func (m *Metrics) ErrorRecorded(kind, code string) {
	if m.registry == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}
