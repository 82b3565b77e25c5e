// Package dispatcherclient is the worker's typed HTTP client for the
// dispatcher-facing protocol: registration, heartbeats, and command
// status updates, all JSON over plain HTTP.
package dispatcherclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/octoforge/renderworker/pkg/metrics"
)

// Sentinel error classes. Callers should compare with errors.Is, not
// by inspecting StatusCode directly, since the client may also return
// ErrTransient for network-level failures that never reached the
// dispatcher.
var (
	// ErrTransient covers network failures, timeouts, and any 5xx
	// response: the caller should retry after a backoff.
	ErrTransient = errors.New("dispatcherclient: transient error")
	// ErrNotFound corresponds to a 404 response: the dispatcher has no
	// record of the worker or command the request named.
	ErrNotFound = errors.New("dispatcherclient: not found")
	// ErrConflict corresponds to a 409 response: the dispatcher
	// considers the request already satisfied (e.g. double
	// registration).
	ErrConflict = errors.New("dispatcherclient: conflict")
	// ErrUnexpected covers any other non-2xx response.
	ErrUnexpected = errors.New("dispatcherclient: unexpected response")
)

// ResponseError carries the HTTP status and body of a failed request
// alongside the sentinel class it was classified into.
type ResponseError struct {
	StatusCode int
	Body       string
	class      error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("dispatcherclient: status %d: %s", e.StatusCode, e.Body)
}

func (e *ResponseError) Unwrap() error {
	return e.class
}

// Client talks to a single dispatcher over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client pointed at baseURL (e.g. "http://dispatcher:8080").
// Keep-alives are disabled: the worker's request volume is low enough
// that a fresh connection per call is cheaper than the bookkeeping a
// long-lived pool needs across a process that can be paused for hours.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// Get issues a GET request and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON-encoded body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.doJSON(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON-encoded body.
func (c *Client) Put(ctx context.Context, path string, body any) ([]byte, error) {
	return c.doJSON(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dispatcherclient: encode request body: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(encoded))
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatcherRequestDuration, method)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		metrics.DispatcherRequestsTotal.WithLabelValues(method, "build_error").Inc()
		return nil, fmt.Errorf("%w: build request: %v", ErrUnexpected, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.DispatcherRequestsTotal.WithLabelValues(method, "transient").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.DispatcherRequestsTotal.WithLabelValues(method, "transient").Inc()
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.DispatcherRequestsTotal.WithLabelValues(method, "success").Inc()
		return respBody, nil
	}

	respErr := classify(resp.StatusCode, respBody)
	metrics.DispatcherRequestsTotal.WithLabelValues(method, outcomeLabel(respErr)).Inc()
	return nil, respErr
}

func outcomeLabel(err error) string {
	var re *ResponseError
	if errors.As(err, &re) {
		switch re.class {
		case ErrNotFound:
			return "not_found"
		case ErrConflict:
			return "conflict"
		case ErrTransient:
			return "transient"
		default:
			return "unexpected"
		}
	}
	return "unexpected"
}

func classify(status int, body []byte) error {
	class := ErrUnexpected
	switch {
	case status == http.StatusNotFound:
		class = ErrNotFound
	case status == http.StatusConflict:
		class = ErrConflict
	case status >= 500:
		class = ErrTransient
	}
	return &ResponseError{StatusCode: status, Body: string(body), class: class}
}
