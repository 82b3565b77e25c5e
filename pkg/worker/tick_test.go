package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCommand_RejectedWhilePaused(t *testing.T) {
	w := newTestWorker(t)
	w.setPaused(true, false)

	req := &addCommandRequest{ID: 11, Runner: "render", RelativeLogPath: "frame.log"}
	err := w.addCommand(req)

	require.ErrorIs(t, err, ErrWorkerPaused)
	_, _, ok := w.registry.Lookup(11)
	assert.False(t, ok)
}

func TestAddCommand_SucceedsWhenNotPaused(t *testing.T) {
	w := newTestWorker(t)

	req := &addCommandRequest{ID: 12, Runner: "render", RelativeLogPath: "frame.log"}
	require.NoError(t, w.addCommand(req))

	cmd, _, ok := w.registry.Lookup(12)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, cmd.Status)
}

func TestEnforceTimeouts_KillsAndMarksCanceled(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(20, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusRunning
	timeout := 10 * time.Millisecond
	watcher := &CommandWatcher{
		CommandID: 20,
		Command:   cmd,
		StartTime: time.Now().Add(-1 * time.Hour),
		Timeout:   &timeout,
	}
	w.registry.Add(cmd, watcher)

	w.enforceTimeouts(time.Now())

	gotCmd, gotWatcher, _ := w.registry.Lookup(20)
	assert.Equal(t, StatusCanceled, gotCmd.Status)
	assert.True(t, gotWatcher.Finished)
}

func TestEnforceTimeouts_IgnoresCommandsWithoutTimeout(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(21, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusRunning
	watcher := &CommandWatcher{CommandID: 21, Command: cmd, StartTime: time.Now().Add(-1 * time.Hour)}
	w.registry.Add(cmd, watcher)

	w.enforceTimeouts(time.Now())

	gotCmd, _, _ := w.registry.Lookup(21)
	assert.Equal(t, StatusRunning, gotCmd.Status)
}

func TestOnChildExited_CleanExitMarksDone(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(30, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusRunning
	watcher := &CommandWatcher{CommandID: 30, Command: cmd, Process: &ProcessHandle{Pid: 4242}}
	w.registry.Add(cmd, watcher)

	w.onChildExited(4242, 0)

	gotCmd, gotWatcher, _ := w.registry.Lookup(30)
	assert.Equal(t, StatusDone, gotCmd.Status)
	assert.True(t, gotWatcher.Finished)
}

func TestOnChildExited_NonZeroExitMarksError(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(31, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusRunning
	watcher := &CommandWatcher{CommandID: 31, Command: cmd, Process: &ProcessHandle{Pid: 4243}}
	w.registry.Add(cmd, watcher)

	w.onChildExited(4243, 1)

	gotCmd, _, _ := w.registry.Lookup(31)
	assert.Equal(t, StatusError, gotCmd.Status)
}

func TestOnChildExited_CanceledIsNotOverwritten(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(32, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusCanceled
	watcher := &CommandWatcher{CommandID: 32, Command: cmd, Process: &ProcessHandle{Pid: 4244}}
	w.registry.Add(cmd, watcher)

	w.onChildExited(4244, 1)

	gotCmd, _, _ := w.registry.Lookup(32)
	assert.Equal(t, StatusCanceled, gotCmd.Status)
}

func TestFlushThenRemovalSweep_OrderingGuarantee(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestWorkerWithDispatcher(t, srv.URL)
	cmd := NewCommand(40, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusDone
	watcher := &CommandWatcher{CommandID: 40, Command: cmd, Finished: true, Modified: true}
	w.registry.Add(cmd, watcher)

	// A finished-but-still-modified watcher must not be removed yet.
	w.removalSweep()
	_, _, ok := w.registry.Lookup(40)
	require.True(t, ok, "watcher removed before its terminal update was flushed")

	w.flushModified(context.Background())
	assert.Equal(t, "/rendernodes/render-node-1/commands/40/", gotPath)

	// Only once flushed and quiescent is it safe to remove.
	w.removalSweep()
	_, _, ok = w.registry.Lookup(40)
	assert.False(t, ok)
}

func TestFlushModified_FailureLeavesWatcherModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := newTestWorkerWithDispatcher(t, srv.URL)
	cmd := NewCommand(41, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusDone
	watcher := &CommandWatcher{CommandID: 41, Command: cmd, Finished: true, Modified: true}
	w.registry.Add(cmd, watcher)

	w.flushModified(context.Background())

	_, gotWatcher, _ := w.registry.Lookup(41)
	assert.True(t, gotWatcher.Modified)

	w.removalSweep()
	_, _, ok := w.registry.Lookup(41)
	assert.True(t, ok, "a watcher with a failed flush must not be removed")
}

func TestSentinelSweep_PausesOnKillfilePresence(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, os.WriteFile(w.cfg.KillFile, []byte("0"), 0o666))

	require.NoError(t, w.sentinelSweep())

	assert.True(t, w.IsPaused())
}

func TestSentinelSweep_UnpausesAndClearsRestartPending(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, os.WriteFile(w.cfg.KillFile, []byte("-2"), 0o666))
	require.NoError(t, w.sentinelSweep())
	require.True(t, w.IsPaused())
	w.mu.Lock()
	require.True(t, w.restartPending)
	w.mu.Unlock()

	require.NoError(t, os.Remove(w.cfg.KillFile))
	require.NoError(t, w.sentinelSweep())

	assert.False(t, w.IsPaused())
	w.mu.Lock()
	assert.False(t, w.restartPending)
	w.mu.Unlock()
}

func TestSentinelSweep_EnsuresRestartFileWhilePausedAndPending(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, os.WriteFile(w.cfg.KillFile, []byte("-2"), 0o666))

	require.NoError(t, w.sentinelSweep())

	_, err := os.Stat(w.cfg.RestartFile)
	assert.NoError(t, err)
}

func TestSetPaused_KillRunningCancelsWatchers(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(50, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusRunning
	watcher := &CommandWatcher{CommandID: 50, Command: cmd}
	w.registry.Add(cmd, watcher)

	w.setPaused(true, true)

	gotCmd, _, _ := w.registry.Lookup(50)
	assert.Equal(t, StatusCanceled, gotCmd.Status)
	assert.True(t, w.IsPaused())
}
