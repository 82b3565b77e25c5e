// Package worker implements the render-farm worker agent: a
// long-lived process that registers with a dispatcher, accepts
// command assignments over a local control RPC, supervises the
// command-watcher child process for each one, and reports status and
// machine health back on a fixed schedule.
package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octoforge/renderworker/pkg/dispatcherclient"
	"github.com/octoforge/renderworker/pkg/health"
	"github.com/octoforge/renderworker/pkg/log"
	"github.com/octoforge/renderworker/pkg/metrics"
	"github.com/octoforge/renderworker/pkg/reconciler"
)

// Config holds everything NewWorker needs to build a Worker. Every
// path and duration is explicit: the worker never hardcodes a
// filesystem layout, so it can run unprivileged in a test sandbox or
// as a system service without code changes.
type Config struct {
	ComputerName string
	ListenAddr   string

	DispatcherBaseURL string
	DispatcherTimeout time.Duration

	PIDDir        string
	LogDir        string
	KillFile      string
	RestartFile   string
	WatcherBinary string

	TickPeriod      time.Duration
	HeartbeatPeriod time.Duration
	RegisterRetry   time.Duration
}

// DefaultConfig returns a Config with every duration set to its
// production default. Callers still must supply the identity and
// filesystem fields.
func DefaultConfig() Config {
	return Config{
		DispatcherTimeout: 10 * time.Second,
		TickPeriod:        50 * time.Millisecond,
		HeartbeatPeriod:   6 * time.Second,
		RegisterRetry:     10 * time.Second,
		WatcherBinary:     "command-watcher",
	}
}

// Worker is the top-level render-farm agent. Its exported methods
// split into three groups: the registration/heartbeat path (register.go),
// the local control RPC surface (rpc.go), and the per-tick
// reconciliation steps (tick.go) that the reconciler package drives.
type Worker struct {
	cfg Config
	log zerolog.Logger

	instanceID string

	registry   *Registry
	supervisor *Supervisor
	sentinel   *Sentinel
	client     *dispatcherclient.Client
	rpcServer  *Server
	recon      *reconciler.Reconciler

	mu             sync.Mutex
	status         WorkerStatus
	paused         bool
	restartPending bool
	lastHeartbeat  time.Time
	sysInfo        SystemInfo
	speed          float64
	registered     bool
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.ComputerName == "" {
		return nil, fmt.Errorf("worker: ComputerName is required")
	}
	if cfg.KillFile == "" || cfg.RestartFile == "" {
		return nil, fmt.Errorf("worker: KillFile and RestartFile paths are required")
	}

	supervisor, err := NewSupervisor(cfg.PIDDir, cfg.LogDir)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:        cfg,
		instanceID: uuid.New().String(),
		log:        log.WithWorker(cfg.ComputerName),
		registry:   NewRegistry(),
		supervisor: supervisor,
		sentinel:   NewSentinel(cfg.KillFile, cfg.RestartFile),
		client:     dispatcherclient.New(cfg.DispatcherBaseURL, cfg.DispatcherTimeout),
		status:     StatusBooting,
		speed:      1.0,
	}
	w.rpcServer = NewServer(w)
	w.recon = reconciler.NewReconciler(w, cfg.TickPeriod)
	return w, nil
}

// Start brings the control RPC server up, performs the blocking
// registration handshake, and runs the reconciler loop until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	ln, err := w.rpcServer.Listen(w.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("worker: listen on %s: %w", w.cfg.ListenAddr, err)
	}
	go func() {
		if err := w.rpcServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.log.Error().Err(err).Msg("control rpc server exited")
		}
	}()

	w.log.Info().Str("addr", ln.Addr().String()).Msg("control rpc listening")
	w.selfCheck(ctx, ln.Addr().String())
	metrics.RegisterComponent("control-rpc", true, "listening on "+ln.Addr().String())
	metrics.RegisterComponent("dispatcher", false, "registration pending")

	w.sysInfo = ProbeSystemInfo(ctx)

	if err := w.Register(ctx); err != nil {
		return fmt.Errorf("worker: initial registration: %w", err)
	}

	w.setStatus(StatusIdle)

	w.recon.Start(ctx)
	<-ctx.Done()
	w.recon.Stop()
	return w.rpcServer.Shutdown(context.Background())
}

// Stop signals the reconciler to stop without waiting on ctx
// cancellation. It does not make Start return; Start returns only
// once ctx is cancelled.
func (w *Worker) Stop() {
	w.recon.Stop()
}

// selfCheck confirms the control RPC server is actually answering
// before the worker announces itself to the dispatcher. addr is the
// listener's bound address; only its port is used, since it may be
// bound to a wildcard host.
func (w *Worker) selfCheck(ctx context.Context, addr string) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	checker := health.NewHTTPChecker("http://127.0.0.1:" + port + "/healthz").WithTimeout(2 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		w.log.Warn().Str("detail", result.Message).Msg("control rpc self-check failed at boot")
	}
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Registry exposes the worker's command registry, mainly for wiring a
// metrics.Collector from the CLI entrypoint.
func (w *Worker) Registry() *Registry {
	return w.registry
}

// Registered reports whether the worker has completed its initial
// handshake with the dispatcher.
func (w *Worker) Registered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.registered
}
