package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/octoforge/renderworker/pkg/metrics"
)

// ErrQueueFull is returned when the operation queue is saturated,
// meaning the reconciler tick is stalled or wedged.
var ErrQueueFull = errors.New("worker: control rpc queue is full")

// ErrOpTimeout is returned when an enqueued operation is not drained
// and executed within the request's deadline.
var ErrOpTimeout = errors.New("worker: control rpc operation timed out")

type opRequest struct {
	run  func() error
	done chan error
}

// Server exposes the worker's control surface: the dispatcher-facing
// endpoints a command-watcher or the dispatcher itself calls to push
// state, plus /metrics and /healthz for operational visibility.
//
// Every mutating handler enqueues a closure instead of touching the
// Registry directly. The reconciler drains the queue at the start of
// each tick (see tick.go), which keeps the Registry single-writer
// without a lock held across the whole request lifecycle.
type Server struct {
	worker *Worker
	mux    *http.ServeMux
	srv    *http.Server
	ops    chan opRequest
	port   int
}

// NewServer builds a Server bound to w. It does not start listening;
// call Listen and Serve (or use Worker.Start, which does both).
func NewServer(w *Worker) *Server {
	s := &Server{
		worker: w,
		mux:    http.NewServeMux(),
		ops:    make(chan opRequest, 256),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/commands/", instrument("commands", s.handleCommands))
	s.mux.HandleFunc("/sysinfos/", instrument("sysinfos", s.handleSysInfos))
	s.mux.HandleFunc("/performance/", instrument("performance", s.handlePerformance))
	s.mux.HandleFunc("/paused/", instrument("paused", s.handlePaused))
	s.mux.HandleFunc("/healthz", instrument("healthz", s.handleHealthz))
	s.mux.Handle("/metrics", promhttp.Handler())
}

// statusRecorder captures the status code a handler wrote so
// instrument can label the request metric after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a route handler to record a request count labeled
// by route and the HTTP status it returned.
func instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ControlRPCRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// Listen opens the TCP listener the control server will serve on and
// records the port actually bound, which matters when addr asks for
// an ephemeral port with ":0".
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	return ln, nil
}

// Port returns the TCP port the control server is listening on.
func (s *Server) Port() int {
	return s.port
}

// Serve blocks serving HTTP on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.srv = &http.Server{Handler: s.mux}
	return s.srv.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// enqueue submits run to be executed by the reconciler's next tick
// and blocks until it completes, times out, or the queue rejects it.
func (s *Server) enqueue(ctx context.Context, run func() error) error {
	req := opRequest{run: run, done: make(chan error, 1)}

	select {
	case s.ops <- req:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return ErrOpTimeout
	}
}

// drain executes every operation currently queued, without blocking
// for new arrivals. Called once at the start of every reconciler tick.
func (s *Server) drain() {
	for {
		select {
		case req := <-s.ops:
			req.done <- req.run()
		default:
			return
		}
	}
}

func commandIDFromPath(path, prefix string) (int, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return 0, false
	}
	// Allow a trailing path segment (e.g. ".../validation/").
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

type addCommandRequest struct {
	ID                   int               `json:"id"`
	Runner               string            `json:"runner"`
	Arguments            map[string]string `json:"arguments"`
	ValidationExpression string            `json:"validationExpression"`
	TaskName             string            `json:"taskName"`
	RelativeLogPath      string            `json:"relativeLogPath"`
	Environment          map[string]string `json:"environment"`
}

type updateCommandRequest struct {
	Completion *float64      `json:"completion"`
	Status     CommandStatus `json:"status"`
	Message    string        `json:"message"`
}

type updateValidationRequest struct {
	ValidatorMessage string   `json:"validatorMessage"`
	ErrorInfos       []string `json:"errorInfos"`
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.addCommand(w, r)
	case http.MethodDelete:
		s.stopCommand(w, r)
	case http.MethodPut:
		if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "validation") {
			s.updateValidation(w, r)
		} else {
			s.updateCommand(w, r)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) addCommand(w http.ResponseWriter, r *http.Request) {
	var req addCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := s.enqueue(r.Context(), func() error {
		return s.worker.addCommand(&req)
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) stopCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandIDFromPath(r.URL.Path, "/commands/")
	if !ok {
		http.Error(w, "missing command id", http.StatusBadRequest)
		return
	}

	err := s.enqueue(r.Context(), func() error {
		return s.worker.stopCommand(id)
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) updateCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandIDFromPath(r.URL.Path, "/commands/")
	if !ok {
		http.Error(w, "missing command id", http.StatusBadRequest)
		return
	}
	var req updateCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := s.enqueue(r.Context(), func() error {
		return s.worker.registry.ApplyUpdate(id, req.Completion, req.Status, req.Message)
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) updateValidation(w http.ResponseWriter, r *http.Request) {
	id, ok := commandIDFromPath(r.URL.Path, "/commands/")
	if !ok {
		http.Error(w, "missing command id", http.StatusBadRequest)
		return
	}
	var req updateValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := s.enqueue(r.Context(), func() error {
		return s.worker.registry.ApplyValidation(id, req.ValidatorMessage, req.ErrorInfos)
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSysInfos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := s.enqueue(r.Context(), func() error {
		s.worker.refreshSysInfo(r.Context())
		return nil
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type performanceRequest struct {
	Speed float64 `json:"speed"`
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req performanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	err := s.enqueue(r.Context(), func() error {
		return s.worker.reportPerformance(r.Context(), req.Speed)
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type pausedRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePaused(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	err := s.enqueue(r.Context(), func() error {
		s.worker.setPaused(req.Paused, false)
		return nil
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeOpError(w http.ResponseWriter, err error) {
	var unknown *ErrUnknownCommand
	switch {
	case errors.As(err, &unknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrWorkerPaused):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrOpTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
