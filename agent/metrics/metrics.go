// Package metrics exposes the runtime's Prometheus counters and gauges,
// adapted from the teacher's graph.PrometheusMetrics to the Agent
// Runtime's own vocabulary (executions, streams, nodes, retries, scoped
// state) rather than the teacher's scheduler-centric one.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime collects metrics for one AgentRuntime instance. The zero value
// is not usable; use New.
type Runtime struct {
	mu      sync.RWMutex
	enabled bool

	inflightExecutions *prometheus.GaugeVec
	stepLatency        *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	executions         *prometheus.CounterVec
	statePartitions    *prometheus.GaugeVec
	eventsDropped      prometheus.Counter
}

// New registers the runtime's metrics with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// *prometheus.Registry for test isolation).
func New(registry prometheus.Registerer) *Runtime {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Runtime{
		enabled: true,
		inflightExecutions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrt",
			Name:      "inflight_executions",
			Help:      "Current number of executions running on a stream",
		}, []string{"entry_point"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrt",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"node_id", "quality"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "node_retries_total",
			Help:      "Cumulative node retry attempts",
		}, []string{"node_id"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "executions_total",
			Help:      "Completed executions by terminal status",
		}, []string{"entry_point", "status"}),
		statePartitions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrt",
			Name:      "state_partitions",
			Help:      "Active shared-state partitions by scope",
		}, []string{"scope"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrt",
			Name:      "events_dropped_total",
			Help:      "Events dropped by the event bus due to a full subscriber queue",
		}),
	}
}

func (r *Runtime) isEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Disable stops metric recording (used in tests that want deterministic
// registries without cross-test leakage).
func (r *Runtime) Disable() { r.mu.Lock(); r.enabled = false; r.mu.Unlock() }

// Enable re-enables metric recording after Disable.
func (r *Runtime) Enable() { r.mu.Lock(); r.enabled = true; r.mu.Unlock() }

// SetInflight records the current executions in flight for entryPoint.
func (r *Runtime) SetInflight(entryPoint string, n int) {
	if !r.isEnabled() {
		return
	}
	r.inflightExecutions.WithLabelValues(entryPoint).Set(float64(n))
}

// ObserveNodeLatency records one node invocation's duration and quality.
func (r *Runtime) ObserveNodeLatency(nodeID, quality string, d time.Duration) {
	if !r.isEnabled() {
		return
	}
	r.stepLatency.WithLabelValues(nodeID, quality).Observe(float64(d.Milliseconds()))
}

// IncRetries increments nodeID's retry counter by n.
func (r *Runtime) IncRetries(nodeID string, n int) {
	if !r.isEnabled() || n <= 0 {
		return
	}
	r.retries.WithLabelValues(nodeID).Add(float64(n))
}

// IncExecutions records one completed execution's terminal status for
// entryPoint.
func (r *Runtime) IncExecutions(entryPoint, status string) {
	if !r.isEnabled() {
		return
	}
	r.executions.WithLabelValues(entryPoint, status).Inc()
}

// SetStatePartitions records the current partition counts reported by
// state.Manager.Stats.
func (r *Runtime) SetStatePartitions(global, stream, execution int) {
	if !r.isEnabled() {
		return
	}
	r.statePartitions.WithLabelValues("global").Set(float64(global))
	r.statePartitions.WithLabelValues("stream").Set(float64(stream))
	r.statePartitions.WithLabelValues("execution").Set(float64(execution))
}

// IncEventsDropped increments the dropped-event counter by n.
func (r *Runtime) IncEventsDropped(n int64) {
	if !r.isEnabled() || n <= 0 {
		return
	}
	r.eventsDropped.Add(float64(n))
}
