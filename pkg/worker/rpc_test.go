package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ComputerName = "render-node-1"
	cfg.DispatcherBaseURL = "http://127.0.0.1:1"
	cfg.PIDDir = filepath.Join(dir, "pids")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.KillFile = filepath.Join(dir, "KILLFILE")
	cfg.RestartFile = filepath.Join(dir, "RESTARTFILE")
	cfg.WatcherBinary = "/bin/echo"

	w, err := NewWorker(cfg)
	require.NoError(t, err)
	return w
}

func doAsync(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.mux.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler a moment to enqueue before draining.
	time.Sleep(5 * time.Millisecond)
	s.drain()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not complete after drain")
	}
	return rec
}

func TestRPC_AddCommand(t *testing.T) {
	w := newTestWorker(t)
	body, _ := json.Marshal(addCommandRequest{
		ID:              1,
		Runner:          "render",
		RelativeLogPath: "frame.log",
	})
	req := httptest.NewRequest(http.MethodPost, "/commands/", bytes.NewReader(body))

	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	_, _, ok := w.registry.Lookup(1)
	assert.True(t, ok)
}

func TestRPC_AddCommand_RejectedWhilePaused(t *testing.T) {
	w := newTestWorker(t)
	w.setPaused(true, false)

	body, _ := json.Marshal(addCommandRequest{
		ID:              5,
		Runner:          "render",
		RelativeLogPath: "frame.log",
	})
	req := httptest.NewRequest(http.MethodPost, "/commands/", bytes.NewReader(body))

	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, _, ok := w.registry.Lookup(5)
	assert.False(t, ok)
}

func TestRPC_UpdateCommand(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(2, "render", nil, "", "task", "frame.log", nil)
	w.registry.Add(cmd, &CommandWatcher{CommandID: 2, Command: cmd})

	completion := 0.75
	body, _ := json.Marshal(updateCommandRequest{Completion: &completion, Status: StatusRunning, Message: "rendering"})
	req := httptest.NewRequest(http.MethodPut, "/commands/2/", bytes.NewReader(body))

	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	gotCmd, _, _ := w.registry.Lookup(2)
	assert.Equal(t, 0.75, *gotCmd.Completion)
}

func TestRPC_UpdateCommand_UnknownID(t *testing.T) {
	w := newTestWorker(t)
	body, _ := json.Marshal(updateCommandRequest{Status: StatusRunning})
	req := httptest.NewRequest(http.MethodPut, "/commands/999/", bytes.NewReader(body))

	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRPC_UpdateValidation(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(3, "render", nil, "", "task", "frame.log", nil)
	w.registry.Add(cmd, &CommandWatcher{CommandID: 3, Command: cmd})

	body, _ := json.Marshal(updateValidationRequest{ValidatorMessage: "bad pixel count", ErrorInfos: []string{"frame 12 missing"}})
	req := httptest.NewRequest(http.MethodPut, "/commands/3/validation/", bytes.NewReader(body))

	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	gotCmd, _, _ := w.registry.Lookup(3)
	assert.Equal(t, "bad pixel count", gotCmd.ValidatorMessage)
}

func TestRPC_StopCommand(t *testing.T) {
	w := newTestWorker(t)
	cmd := NewCommand(4, "render", nil, "", "task", "frame.log", nil)
	cmd.Status = StatusRunning
	w.registry.Add(cmd, &CommandWatcher{CommandID: 4, Command: cmd})

	req := httptest.NewRequest(http.MethodDelete, "/commands/4/", nil)
	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	gotCmd, _, _ := w.registry.Lookup(4)
	assert.Equal(t, StatusCanceled, gotCmd.Status)
}

func TestRPC_Paused(t *testing.T) {
	w := newTestWorker(t)
	body, _ := json.Marshal(pausedRequest{Paused: true})
	req := httptest.NewRequest(http.MethodPut, "/paused/", bytes.NewReader(body))

	rec := doAsync(t, w.rpcServer, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, w.IsPaused())
}

func TestRPC_Healthz(t *testing.T) {
	w := newTestWorker(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	w.rpcServer.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRPC_QueueFullReturnsServiceUnavailable(t *testing.T) {
	w := newTestWorker(t)
	// Fill the queue without draining it.
	for i := 0; i < cap(w.rpcServer.ops); i++ {
		w.rpcServer.ops <- opRequest{run: func() error { return nil }, done: make(chan error, 1)}
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	// healthz doesn't enqueue, so use performance which does.
	body, _ := json.Marshal(performanceRequest{Speed: 1.5})
	req = httptest.NewRequest(http.MethodPut, "/performance/", bytes.NewReader(body))
	w.rpcServer.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
