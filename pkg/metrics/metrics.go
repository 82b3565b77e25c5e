package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	CommandsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderworker_commands_total",
			Help: "Total number of tracked commands by status",
		},
		[]string{"status"},
	)

	RegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderworker_registry_size",
			Help: "Number of commands currently tracked by the registry",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderworker_reconciliation_duration_seconds",
			Help:    "Time taken for a single reconciliation tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderworker_reconciliation_cycles_total",
			Help: "Total number of reconciliation ticks completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderworker_reconciliation_errors_total",
			Help: "Total number of reconciliation ticks that returned an error",
		},
	)

	// Dispatcher client metrics
	DispatcherRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderworker_dispatcher_requests_total",
			Help: "Total number of requests made to the dispatcher by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	DispatcherRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderworker_dispatcher_request_duration_seconds",
			Help:    "Dispatcher request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderworker_heartbeats_total",
			Help: "Total number of heartbeat attempts by outcome",
		},
		[]string{"outcome"},
	)

	RegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderworker_registrations_total",
			Help: "Total number of successful registrations with the dispatcher",
		},
	)

	// Command-watcher supervision metrics
	CommandsSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderworker_commands_spawned_total",
			Help: "Total number of command-watcher processes spawned",
		},
	)

	CommandsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderworker_commands_timed_out_total",
			Help: "Total number of commands killed for exceeding their timeout",
		},
	)

	// Local control RPC metrics
	ControlRPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderworker_control_rpc_requests_total",
			Help: "Total number of local control RPC requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(CommandsByStatus)
	prometheus.MustRegister(RegistrySize)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationErrorsTotal)
	prometheus.MustRegister(DispatcherRequestsTotal)
	prometheus.MustRegister(DispatcherRequestDuration)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(CommandsSpawnedTotal)
	prometheus.MustRegister(CommandsTimedOutTotal)
	prometheus.MustRegister(ControlRPCRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
