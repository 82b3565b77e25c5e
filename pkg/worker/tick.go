package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/octoforge/renderworker/pkg/dispatcherclient"
	"github.com/octoforge/renderworker/pkg/metrics"
)

// ErrWorkerPaused is returned by addCommand when the worker is
// currently paused: no new command-watcher may be spawned until an
// operator unpauses it.
var ErrWorkerPaused = errors.New("worker: paused, rejecting new command")

// Tick runs one full reconciliation pass. It is called once per
// TickPeriod by the reconciler package with a single `now` value,
// which both the timeout check and the heartbeat-due check use.
// Timestamps recorded inside a step (a new command's StartTime, the
// time of a successful heartbeat) are read from the clock when that
// step runs, not taken from now.
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	w.rpcServer.drain()

	if err := w.sentinelSweep(); err != nil {
		w.log.Warn().Err(err).Msg("sentinel sweep failed")
	}

	w.reapZombies()
	w.flushModified(ctx)
	w.removalSweep()
	w.enforceTimeouts(now)

	if w.heartbeatDue(now) {
		if err := w.Heartbeat(ctx); err != nil {
			w.log.Warn().Err(err).Msg("heartbeat failed")
		}
	}

	return nil
}

// sentinelSweep reads KILLFILE and reconciles the worker's paused
// state against it, creating RESTARTFILE if a restart is pending and
// the worker is already paused.
func (w *Worker) sentinelSweep() error {
	state, err := w.sentinel.Read()
	if err != nil {
		return err
	}
	w.applySentinelState(state, true)

	w.mu.Lock()
	paused := w.paused
	restartPending := w.restartPending
	w.mu.Unlock()

	if paused && restartPending {
		return w.sentinel.EnsureRestartFile()
	}
	return nil
}

func (w *Worker) applySentinelState(state SentinelState, killOnTransition bool) {
	w.mu.Lock()
	wasPaused := w.paused
	w.mu.Unlock()

	switch {
	case state.Present && !wasPaused:
		w.setPaused(true, killOnTransition && state.ShouldKill())
		if state.RequestsRestart() {
			w.mu.Lock()
			w.restartPending = true
			w.mu.Unlock()
		}
	case state.Present && wasPaused && state.RequestsRestart():
		w.mu.Lock()
		w.restartPending = true
		w.mu.Unlock()
	case !state.Present && wasPaused:
		// KILLFILE disappeared: resume, and forget any pending restart
		// request since the operator withdrew it before it was acted on.
		w.mu.Lock()
		w.restartPending = false
		w.mu.Unlock()
		w.setPaused(false, false)
	}
}

// setPaused updates the worker's paused flag and, if killRunning is
// set, kills every command-watcher currently running.
func (w *Worker) setPaused(paused bool, killRunning bool) {
	w.mu.Lock()
	w.paused = paused
	if paused {
		w.status = StatusPausedW
	} else {
		w.status = StatusIdle
	}
	w.mu.Unlock()

	if killRunning {
		for _, watcher := range w.registry.Running() {
			if watcher.Process != nil {
				_ = w.supervisor.Kill(watcher.Process)
			}
			_ = w.registry.ApplyUpdate(watcher.CommandID, floatPtr(0), StatusCanceled, "killed by operator")
		}
	}
}

// reapZombies drains every exited child in a single tick without
// blocking: a stalled reap would stall every other reconciliation
// step behind it.
func (w *Worker) reapZombies() {
	for {
		pid, exitCode, ok, err := ReapOne()
		if err != nil {
			w.log.Warn().Err(err).Msg("zombie reap failed")
			return
		}
		if !ok {
			return
		}
		w.onChildExited(pid, exitCode)
	}
}

func (w *Worker) onChildExited(pid, exitCode int) {
	for _, watcher := range w.registry.Running() {
		if watcher.Process == nil || watcher.Process.Pid != pid {
			continue
		}
		w.supervisor.Cleanup(watcher.Process)

		if exitCode == 0 {
			// The command-watcher itself is responsible for reporting
			// DONE via an explicit update before it exits; a clean exit
			// with no terminal status already recorded is still treated
			// as finished so the registry does not wait forever.
			if watcher.Command.Status != StatusCanceled && !watcher.Command.Status.IsTerminal() {
				_ = w.registry.ApplyUpdate(watcher.CommandID, nil, StatusDone, "")
			}
		} else {
			if watcher.Command.Status != StatusCanceled {
				_ = w.registry.ApplyUpdate(watcher.CommandID, nil, StatusError, "command-watcher exited unexpectedly")
			}
		}
		return
	}
}

// flushModified pushes every CommandWatcher's pending change to the
// dispatcher and clears Modified once the push succeeds. A 404 means
// the dispatcher no longer tracks the command, so it is dropped from
// the registry; any other failure leaves Modified set so it is
// retried on the next tick.
func (w *Worker) flushModified(ctx context.Context) {
	for _, watcher := range w.registry.ModifiedWatchers() {
		cmd := watcher.Command
		body := updateCommandRequest{
			Completion: cmd.Completion,
			Status:     cmd.Status,
			Message:    cmd.Message,
		}
		path := w.renderNodePath() + "/commands/" + strconv.Itoa(cmd.ID) + "/"
		if _, err := w.client.Put(ctx, path, body); err != nil {
			if errors.Is(err, dispatcherclient.ErrNotFound) {
				w.log.Warn().Int("command_id", cmd.ID).Msg("dispatcher no longer tracks command, dropping it")
				w.registry.Remove(cmd.ID)
				continue
			}
			w.log.Warn().Err(err).Int("command_id", cmd.ID).Msg("failed to push command update")
			continue
		}
		w.registry.ClearModified(cmd.ID)
	}
}

// removalSweep drops every CommandWatcher that is finished and has no
// unflushed change left to report.
func (w *Worker) removalSweep() {
	for _, watcher := range w.registry.FinishedQuiescent() {
		w.registry.Remove(watcher.CommandID)
	}
}

// enforceTimeouts kills and marks CANCELED (leaving completion as it
// is) any running command whose per-command Timeout has elapsed.
func (w *Worker) enforceTimeouts(now time.Time) {
	for _, watcher := range w.registry.Running() {
		if watcher.Timeout == nil {
			continue
		}
		if now.Sub(watcher.StartTime) < *watcher.Timeout {
			continue
		}
		if watcher.Process != nil {
			_ = w.supervisor.Kill(watcher.Process)
		}
		_ = w.registry.ApplyUpdate(watcher.CommandID, nil, StatusCanceled, "command exceeded its timeout")
		metrics.CommandsTimedOutTotal.Inc()
	}
}

func (w *Worker) addCommand(req *addCommandRequest) error {
	if w.IsPaused() {
		return ErrWorkerPaused
	}

	cmd := NewCommand(req.ID, req.Runner, req.Arguments, req.ValidationExpression, req.TaskName, req.RelativeLogPath, req.Environment)

	handle, err := w.supervisor.Spawn(w.cfg.WatcherBinary, cmd, w.rpcServer.Port())
	if err != nil {
		cmd.Status = StatusError
		cmd.Message = err.Error()
		w.registry.Add(cmd, &CommandWatcher{CommandID: cmd.ID, Command: cmd, Finished: true, Modified: true})
		return err
	}

	cmd.Status = StatusRunning
	watcher := &CommandWatcher{
		CommandID: cmd.ID,
		Command:   cmd,
		Process:   handle,
		StartTime: time.Now(),
		Modified:  true,
	}
	w.registry.Add(cmd, watcher)
	metrics.CommandsSpawnedTotal.Inc()
	return nil
}

func (w *Worker) stopCommand(id int) error {
	_, watcher, ok := w.registry.Lookup(id)
	if !ok {
		return &ErrUnknownCommand{ID: id}
	}
	if watcher.Process != nil {
		_ = w.supervisor.Kill(watcher.Process)
	}
	return w.registry.ApplyUpdate(id, floatPtr(0), StatusCanceled, "killed")
}

func (w *Worker) refreshSysInfo(ctx context.Context) {
	w.mu.Lock()
	w.sysInfo = ProbeSystemInfo(ctx)
	w.mu.Unlock()
}

func floatPtr(f float64) *float64 { return &f }
