package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_nodes_total",
			Help: "Total number of runner nodes by status",
		},
		[]string{"status"},
	)

	NodeHeartbeatAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_node_heartbeat_age_seconds",
			Help: "Seconds since a node's last heartbeat",
		},
		[]string{"hostname"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_scheduling_latency_seconds",
			Help:    "Time taken to resolve a target and dispatch a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_dispatched_total",
			Help: "Total number of tasks successfully dispatched to a runner",
		},
	)

	TasksDispatchFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_dispatch_failed_total",
			Help: "Total number of dispatch failures by reason",
		},
		[]string{"reason"},
	)

	// Runner executor metrics
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_container_start_duration_seconds",
			Help:    "Time taken to start a task's container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_container_stop_duration_seconds",
			Help:    "Time taken to stop a task's container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Monitor (dead-runner detection) metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_monitor_cycle_duration_seconds",
			Help:    "Time taken for one dead-node detection cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_monitor_cycles_total",
			Help: "Total number of monitor cycles completed",
		},
	)

	NodesMarkedOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_nodes_marked_offline_total",
			Help: "Total number of nodes marked offline due to missed heartbeats",
		},
	)

	TasksLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_lost_total",
			Help: "Total number of tasks transitioned to lost because their node went offline",
		},
	)

	// Tunnel metrics
	TunnelFramesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_tunnel_frames_relayed_total",
			Help: "Total number of tunnel frames relayed by direction",
		},
		[]string{"direction"},
	)

	TunnelSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tunnel_sessions_active",
			Help: "Number of currently open tunnel client sessions",
		},
	)

	TunnelDialFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_tunnel_dial_failures_total",
			Help: "Total number of failed in-container dial attempts by protocol",
		},
		[]string{"protocol"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeHeartbeatAgeSeconds)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksDispatchFailed)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(NodesMarkedOfflineTotal)
	prometheus.MustRegister(TasksLostTotal)
	prometheus.MustRegister(TunnelFramesRelayedTotal)
	prometheus.MustRegister(TunnelSessionsActive)
	prometheus.MustRegister(TunnelDialFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
