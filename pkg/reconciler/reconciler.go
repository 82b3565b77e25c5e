package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octoforge/renderworker/pkg/log"
	"github.com/octoforge/renderworker/pkg/metrics"
)

// Ticker is the subset of Worker the reconciler depends on: one
// reconciliation step per tick, given the tick's own timestamp.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) error
}

// Reconciler drives a Worker's main loop on a fixed period. It owns
// nothing about command or dispatcher state itself; every step's
// actual logic lives on the Worker, so this type is a thin, testable
// ticking driver wrapped around it.
type Reconciler struct {
	worker Ticker
	period time.Duration
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewReconciler creates a Reconciler that calls worker.Tick once per
// period.
func NewReconciler(worker Ticker, period time.Duration) *Reconciler {
	return &Reconciler{
		worker: worker,
		period: period,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop in its own goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopCh:
		// already stopped
	default:
		close(r.stopCh)
	}
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.logger.Info().Dur("period", r.period).Msg("reconciler started")

	for {
		select {
		case now := <-ticker.C:
			r.tick(ctx, now)
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) tick(ctx context.Context, now time.Time) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	if err := r.worker.Tick(ctx, now); err != nil {
		r.logger.Error().Err(err).Msg("reconciliation tick failed")
		metrics.ReconciliationErrorsTotal.Inc()
	}
}
