// Package metrics exposes pipeline activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/models"
)

const Namespace = "levelup"

// Collector records orchestrator events. Each collector owns its registry so
// several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec

	stepsCompleted *prometheus.CounterVec
	stepsFailed    *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepCost       *prometheus.CounterVec
	stepTokens     *prometheus.CounterVec

	checkpointsRequested *prometheus.CounterVec
	checkpointsResolved  *prometheus.CounterVec
	checkpointsPending   prometheus.Gauge

	securityReworks prometheus.Counter
	deadRuns        prometheus.Counter

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if namespace == "" {
		namespace = Namespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.runsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_started_total",
		Help:      "Runs started or resumed",
	})
	c.runsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that stopped, by final status",
		},
		[]string{"status"},
	)

	c.stepsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_completed_total",
			Help:      "Successful step executions",
		},
		[]string{"step"},
	)
	c.stepsFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_failed_total",
			Help:      "Step executions that failed the run",
		},
		[]string{"step"},
	)
	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of successful step executions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"step"},
	)
	c.stepCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_cost_usd_total",
			Help:      "Agent cost in USD",
		},
		[]string{"step"},
	)
	c.stepTokens = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_tokens_total",
			Help:      "Agent tokens used",
		},
		[]string{"step", "type"},
	)

	c.checkpointsRequested = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_requested_total",
			Help:      "Checkpoint requests written for a human",
		},
		[]string{"step"},
	)
	c.checkpointsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_resolved_total",
			Help:      "Checkpoints passed, by decision",
		},
		[]string{"step", "decision"},
	)
	c.checkpointsPending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoints_pending",
		Help:      "Checkpoint requests awaiting a decision",
	})

	c.securityReworks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_reworks_total",
		Help:      "Implementation reruns requested by security review",
	})
	c.deadRuns = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_runs_total",
		Help:      "Runs marked failed because their process died",
	})

	return c
}

func (c *Collector) RunStarted() {
	c.runsStarted.Inc()
}

func (c *Collector) RunFinished(status models.RunStatus) {
	c.runsFinished.WithLabelValues(string(status)).Inc()
}

func (c *Collector) StepCompleted(step models.Step, usage models.StepUsage, elapsed time.Duration) {
	s := string(step)
	c.stepsCompleted.WithLabelValues(s).Inc()
	c.stepDuration.WithLabelValues(s).Observe(elapsed.Seconds())
	if usage.CostUSD > 0 {
		c.stepCost.WithLabelValues(s).Add(usage.CostUSD)
	}
	if usage.InputTokens > 0 {
		c.stepTokens.WithLabelValues(s, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		c.stepTokens.WithLabelValues(s, "output").Add(float64(usage.OutputTokens))
	}
}

func (c *Collector) StepFailed(step models.Step) {
	c.stepsFailed.WithLabelValues(string(step)).Inc()
}

func (c *Collector) CheckpointRequested(step models.Step) {
	c.checkpointsRequested.WithLabelValues(string(step)).Inc()
}

func (c *Collector) CheckpointResolved(step models.Step, decision string) {
	c.checkpointsResolved.WithLabelValues(string(step), decision).Inc()
}

func (c *Collector) SecurityRework() {
	c.securityReworks.Inc()
}

// DeadRunsMarked records the result of a liveness sweep.
func (c *Collector) DeadRunsMarked(n int) {
	if n <= 0 {
		return
	}
	c.deadRuns.Add(float64(n))
	c.logger.Debug("dead runs marked", zap.Int("count", n))
}

func (c *Collector) SetPendingCheckpoints(n int) {
	c.checkpointsPending.Set(float64(n))
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(c.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
}
