package worker

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/octoforge/renderworker/pkg/dispatcherclient"
	"github.com/octoforge/renderworker/pkg/health"
	"github.com/octoforge/renderworker/pkg/metrics"
)

// registrationPayload is the body POSTed to the dispatcher on boot. It
// carries every Command the worker already knows about, not just an
// empty set: a worker that restarts mid-job should not make the
// dispatcher believe those jobs vanished.
type registrationPayload struct {
	InstanceID    string     `json:"instanceId"`
	ComputerName  string     `json:"computerName"`
	Cores         int        `json:"cores"`
	RAMMiB        int        `json:"ramMiB"`
	CPUName       string     `json:"cpuName"`
	ClockMHz      float64    `json:"clockMHz"`
	DistribName   string     `json:"distribName"`
	VendorDistrib string     `json:"vendorDistrib"`
	GLVersion     string     `json:"glVersion"`
	Speed         float64    `json:"speed"`
	Port          int        `json:"port"`
	Commands      []*Command `json:"commands"`
}

type heartbeatPayload struct {
	InstanceID string       `json:"instanceId"`
	Status     WorkerStatus `json:"status"`
	Paused     bool         `json:"paused"`
	Commands   []*Command   `json:"commands"`
}

// Register performs the boot-time handshake with the dispatcher. It
// retries forever on every error other than ErrConflict: a worker
// with no one registered to is otherwise unreachable, so there is no
// useful way to give up. ErrConflict (the dispatcher already
// knows this worker) is treated as success, matching a restart that
// races the dispatcher's own view.
func (w *Worker) Register(ctx context.Context) error {
	w.logDispatcherReachability(ctx)

	payload := w.buildRegistrationPayload()

	for {
		_, err := w.client.Post(ctx, w.renderNodePath()+"/", payload)
		if err == nil || errors.Is(err, dispatcherclient.ErrConflict) {
			break
		}

		w.log.Warn().Err(err).Msg("registration attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RegisterRetry):
		}
	}

	w.mu.Lock()
	w.registered = true
	w.mu.Unlock()

	if state, err := w.sentinel.Read(); err == nil {
		w.applySentinelState(state, false)
	}

	metrics.RegistrationsTotal.Inc()
	metrics.UpdateComponent("dispatcher", true, "registered")
	w.log.Info().Msg("registered with dispatcher")
	return w.Heartbeat(ctx)
}

// logDispatcherReachability runs a quick TCP dial against the
// dispatcher's host:port before the registration loop starts, purely
// to put a clearer diagnostic in the log than "connection refused"
// repeated forever when the address itself is misconfigured.
func (w *Worker) logDispatcherReachability(ctx context.Context) {
	u, err := url.Parse(w.cfg.DispatcherBaseURL)
	if err != nil || u.Host == "" {
		return
	}
	result := health.NewTCPChecker(u.Host).WithTimeout(3 * time.Second).Check(ctx)
	if !result.Healthy {
		w.log.Warn().Str("dispatcher", u.Host).Str("detail", result.Message).
			Msg("dispatcher not reachable yet, registration will retry")
	}
}

// renderNodePath returns this worker's dispatcher-facing resource
// path, "/rendernodes/{name}" with no trailing slash, so callers can
// append "/" for registration or "/sysinfos"/"/commands/{id}/" for
// the other dispatcher endpoints.
func (w *Worker) renderNodePath() string {
	return "/rendernodes/" + w.cfg.ComputerName
}

func (w *Worker) buildRegistrationPayload() registrationPayload {
	w.mu.Lock()
	sysInfo := w.sysInfo
	speed := w.speed
	w.mu.Unlock()

	return registrationPayload{
		InstanceID:    w.instanceID,
		ComputerName:  w.cfg.ComputerName,
		Cores:         sysInfo.Cores,
		RAMMiB:        sysInfo.RAMMiB,
		CPUName:       sysInfo.CPUName,
		ClockMHz:      sysInfo.ClockMHz,
		DistribName:   sysInfo.DistribName,
		VendorDistrib: sysInfo.VendorDistrib,
		GLVersion:     sysInfo.GLVersion,
		Speed:         speed,
		Port:          w.rpcServer.Port(),
		Commands:      w.registry.Snapshot(),
	}
}

// Heartbeat pushes the worker's current status and paused flag. A 404
// means the dispatcher has forgotten this worker entirely (it was
// likely purged while the worker was unreachable); the worker
// re-registers from scratch rather than treating that as fatal.
func (w *Worker) Heartbeat(ctx context.Context) error {
	w.mu.Lock()
	status := w.status
	paused := w.paused
	w.mu.Unlock()

	payload := heartbeatPayload{
		InstanceID: w.instanceID,
		Status:     status,
		Paused:     paused,
		Commands:   w.registry.Snapshot(),
	}

	_, err := w.client.Put(ctx, w.renderNodePath()+"/sysinfos", payload)
	if err == nil {
		metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
		w.mu.Lock()
		w.lastHeartbeat = time.Now()
		w.mu.Unlock()
		return nil
	}

	if errors.Is(err, dispatcherclient.ErrNotFound) {
		metrics.HeartbeatsTotal.WithLabelValues("not_found").Inc()
		w.log.Warn().Msg("dispatcher no longer knows this worker, re-registering")
		return w.Register(ctx)
	}

	metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
	metrics.UpdateComponent("dispatcher", false, err.Error())
	return err
}

// performancePayload is the body PUT to the dispatcher's sysinfos
// endpoint for an explicit performance-index update, distinct from
// the {status} body a routine heartbeat sends to the same endpoint.
type performancePayload struct {
	Performance float64 `json:"performance"`
}

// reportPerformance records the worker's performance index locally
// and forwards it to the dispatcher. A 404 means the dispatcher has
// forgotten this worker, so it re-registers and retries once before
// giving up, matching the same re-registration rule Heartbeat follows.
func (w *Worker) reportPerformance(ctx context.Context, speed float64) error {
	w.mu.Lock()
	w.speed = speed
	w.mu.Unlock()

	payload := performancePayload{Performance: speed}
	_, err := w.client.Put(ctx, w.renderNodePath()+"/sysinfos", payload)
	if err == nil {
		return nil
	}

	if errors.Is(err, dispatcherclient.ErrNotFound) {
		w.log.Warn().Msg("dispatcher no longer knows this worker, re-registering")
		if regErr := w.Register(ctx); regErr != nil {
			return regErr
		}
		_, err = w.client.Put(ctx, w.renderNodePath()+"/sysinfos", payload)
	}
	return err
}

// heartbeatDue reports whether enough time has passed since the last
// successful heartbeat for the reconciler to attempt another.
func (w *Worker) heartbeatDue(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.lastHeartbeat) >= w.cfg.HeartbeatPeriod
}
