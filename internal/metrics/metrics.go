// Package metrics exposes Task Messenger's runtime counters as
// Prometheus metrics: task/byte throughput from the session manager and
// per-category completion-attempt statistics from the reactor, served
// over a /metrics HTTP endpoint.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/session"
)

// Collector owns a private Prometheus registry and the metrics
// published to it. Using a private registry (rather than the global
// default) lets a process run more than one Collector, e.g. across
// tests, without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
	tasksCompleted prometheus.Counter

	reactorProcessed      prometheus.Counter
	reactorCategoryTotal  *prometheus.GaugeVec
	reactorFailureMean    *prometheus.GaugeVec
	reactorFailureCount   *prometheus.GaugeVec
	reactorFailureMinimum *prometheus.GaugeVec
	reactorFailureMaximum *prometheus.GaugeVec
}

// NewCollector constructs a Collector with a fresh, private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmessenger_active_sessions",
			Help: "Current number of live sessions tracked by the session manager.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmessenger_bytes_in_total",
			Help: "Total bytes read from worker connections across all sessions.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmessenger_bytes_out_total",
			Help: "Total bytes written to worker connections across all sessions.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmessenger_tasks_completed_total",
			Help: "Total task request/response exchanges completed across all sessions.",
		}),
		reactorProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmessenger_reactor_processed_total",
			Help: "Total pending operations processed by the reactor.",
		}),
		reactorCategoryTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmessenger_reactor_category_attempts_total",
			Help: "Number of completed ops recorded in a reactor op category's attempt histogram.",
		}, []string{"category"}),
		reactorFailureMean: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmessenger_reactor_category_failure_attempts_mean",
			Help: "Mean attempts-to-failure for ops in a reactor category whose try_complete errored.",
		}, []string{"category"}),
		reactorFailureCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmessenger_reactor_category_failure_count",
			Help: "Count of failed ops observed for a reactor category.",
		}, []string{"category"}),
		reactorFailureMinimum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmessenger_reactor_category_failure_attempts_min",
			Help: "Minimum attempts-to-failure for a reactor category.",
		}, []string{"category"}),
		reactorFailureMaximum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmessenger_reactor_category_failure_attempts_max",
			Help: "Maximum attempts-to-failure for a reactor category.",
		}, []string{"category"}),
	}

	c.registry.MustRegister(
		c.activeSessions,
		c.bytesIn,
		c.bytesOut,
		c.tasksCompleted,
		c.reactorProcessed,
		c.reactorCategoryTotal,
		c.reactorFailureMean,
		c.reactorFailureCount,
		c.reactorFailureMinimum,
		c.reactorFailureMaximum,
	)
	return c
}

// UpdateSessionStats publishes a session.Stats snapshot. bytesIn/
// bytesOut/tasksCompleted are cumulative counters as returned by
// session.Manager.Stats, so this sets the active-session gauge directly
// and adds only the observed delta to the monotonic counters.
func (c *Collector) UpdateSessionStats(prev, cur session.Stats) {
	c.activeSessions.Set(float64(cur.ActiveSessions))
	if cur.BytesIn > prev.BytesIn {
		c.bytesIn.Add(float64(cur.BytesIn - prev.BytesIn))
	}
	if cur.BytesOut > prev.BytesOut {
		c.bytesOut.Add(float64(cur.BytesOut - prev.BytesOut))
	}
	if cur.TasksCompleted > prev.TasksCompleted {
		c.tasksCompleted.Add(float64(cur.TasksCompleted - prev.TasksCompleted))
	}
}

// UpdateReactorStats publishes a reactor.Stats snapshot. prevProcessed
// is the previously observed TotalProcessed, used the same way as
// UpdateSessionStats to turn a cumulative counter into a delta-Add.
func (c *Collector) UpdateReactorStats(prevProcessed uint64, stats reactor.Stats) {
	if stats.TotalProcessed > prevProcessed {
		c.reactorProcessed.Add(float64(stats.TotalProcessed - prevProcessed))
	}
	for category, cat := range stats.Categories {
		var total uint64
		for _, count := range cat.Histogram {
			total += count
		}
		c.reactorCategoryTotal.WithLabelValues(category).Set(float64(total))
		c.reactorFailureMean.WithLabelValues(category).Set(cat.FailureAttempts.Mean)
		c.reactorFailureCount.WithLabelValues(category).Set(float64(cat.FailureAttempts.Count))
		c.reactorFailureMinimum.WithLabelValues(category).Set(float64(cat.FailureAttempts.Min))
		c.reactorFailureMaximum.WithLabelValues(category).Set(float64(cat.FailureAttempts.Max))
	}
}

// Handler returns the http.Handler serving this collector's registry in
// Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr. It blocks until
// ctx is cancelled, then shuts the server down gracefully.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
