package metrics

import (
	"time"
)

// RegistrySource is the subset of *worker.Registry the collector
// needs. It is expressed without importing pkg/worker: pkg/worker
// pulls in pkg/reconciler, which pulls in this package, so a direct
// dependency the other way would cycle.
type RegistrySource interface {
	StatusCounts() map[string]int
	Len() int
}

// Collector periodically samples the worker's command registry and
// publishes counts by status as Prometheus gauges, independent of the
// reconciler's own per-tick metrics.
type Collector struct {
	registry RegistrySource
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector bound to registry.
func NewCollector(registry RegistrySource) *Collector {
	return &Collector{
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling on a fixed interval, collecting immediately on
// the first call so /metrics is populated before the first tick fires.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for status, count := range c.registry.StatusCounts() {
		CommandsByStatus.WithLabelValues(status).Set(float64(count))
	}

	RegistrySize.Set(float64(c.registry.Len()))
}
