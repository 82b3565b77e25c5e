/*
Package metrics defines and registers the render-worker's Prometheus
metrics using the Prometheus client library, exposed via the local
control RPC server's /metrics endpoint.

# Categories

  - Registry: commands tracked by status, total registry size
  - Reconciler: per-tick duration, cycle count, error count
  - Dispatcher client: request count by method and outcome, request
    duration by method, heartbeat and registration counts
  - Supervision: commands spawned, commands killed for timeout
  - Control RPC: request count by route and response status

# Usage

Package-level metric variables are registered at init time via
prometheus.MustRegister. Callers increment counters and set gauges
directly; Timer wraps the common start/observe pattern for histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

Collector periodically samples a command registry into the
registry-level gauges; it is started once, from the CLI entrypoint
(cmd/renderworker), before the worker itself starts.
*/
package metrics
