// Package gateway implements the Service Gateway (§4.9): the uniform HTTP
// client the Worker Loop and Completion Router use to reach per-service API
// adapters, wrapping every call with retry, a circuit breaker, and a
// concurrency cap.
package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/taskflowhq/orchestrator/internal/flowlog"
	"github.com/taskflowhq/orchestrator/internal/logging"
)

const (
	maxAttempts      = 4
	retryBaseDelay   = 1 * time.Second
	retryCapDelay    = 30 * time.Second
	defaultInFlight  = 8
)

// Request is one outbound call to a service adapter.
type Request struct {
	Method         string
	Service        string // e.g. "code-forge", "tracker", "chat", "error-monitor"
	InstallationID string
	Path           string
	Body           any
}

// Response is a successful Service Gateway call's result.
type Response struct {
	StatusCode int
	Body       []byte
}

// APIError is returned for non-retryable (or retries-exhausted) non-2xx
// responses, mirroring the teacher's cursor.APIError shape.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	RawBody    string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("service gateway: status %d: %s", e.StatusCode, e.Message)
}

// Client is the Service Gateway.
type Client struct {
	http        *http.Client
	baseURLs    map[string]string
	flowlogs    *flowlog.Registry
	log         logging.Logger
	breakers    sync.Map // "service|installation" -> *gobreaker.CircuitBreaker
	semaphores  sync.Map // target -> *semaphore.Weighted
	maxInFlight int64
}

// Config bundles the dependencies Client wires together.
type Config struct {
	HTTPClient  *http.Client
	BaseURLs    map[string]string
	FlowLogs    *flowlog.Registry
	Log         logging.Logger
	MaxInFlight int64
}

// New constructs a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultInFlight
	}
	return &Client{
		http:        httpClient,
		baseURLs:    cfg.BaseURLs,
		flowlogs:    cfg.FlowLogs,
		log:         cfg.Log,
		maxInFlight: maxInFlight,
	}
}

func (c *Client) breakerFor(service, installationID string) *gobreaker.CircuitBreaker {
	key := service + "|" + installationID
	actual, _ := c.breakers.LoadOrStore(key, gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}))
	return actual.(*gobreaker.CircuitBreaker)
}

func (c *Client) semaphoreFor(service string) *semaphore.Weighted {
	actual, _ := c.semaphores.LoadOrStore(service, semaphore.NewWeighted(c.maxInFlight))
	return actual.(*semaphore.Weighted)
}

// Do issues req through, outer to inner, per §4.9: (1) decorrelated-jitter
// retry around (2) a gobreaker circuit breaker per (service, installation)
// around (3) a semaphore-capped in-flight limiter per service target. Each
// retry attempt passes through the breaker on its own, so a breaker trip
// mid-retry-sequence ends the retry loop immediately rather than being
// masked by it.
func (c *Client) Do(ctx context.Context, taskID string, req Request) (*Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyBytes = b
	}

	breaker := c.breakerFor(req.Service, req.InstallationID)

	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.logServiceFlow(taskID, "service_call", map[string]any{
				"service": req.Service, "attempt": attempt, "delay_ms": delay.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = nextDecorrelatedDelay(delay)
		}

		result, err := breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, taskID, req, bodyBytes)
		})
		if err == nil {
			return result.(*Response), nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			// Transport error, or the breaker itself rejected the call
			// (open state) — neither is retryable-status-coded, so treat
			// consistently with the teacher's "continue on transport error"
			// branch, but let an open breaker end the loop immediately.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, err
			}
			lastErr = err
			c.logServiceFlow(taskID, "service_error", map[string]any{"service": req.Service, "error": err.Error()})
			continue
		}

		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			lastErr = apiErr
			c.logServiceFlow(taskID, "service_error", map[string]any{"service": req.Service, "status": apiErr.StatusCode})
			continue
		}

		return nil, apiErr
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// doOnce performs one HTTP attempt, gated by the per-service semaphore.
func (c *Client) doOnce(ctx context.Context, taskID string, req Request, bodyBytes []byte) (*Response, error) {
	sem := c.semaphoreFor(req.Service)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	baseURL := c.baseURLs[req.Service]
	fullURL := baseURL + req.Path

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if bodyBytes != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logServiceFlow(taskID, "service_call", map[string]any{
		"service": req.Service, "method": req.Method, "path": req.Path,
	})

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logServiceFlow(taskID, "service_response", map[string]any{
		"service": req.Service, "status": resp.StatusCode, "body_length": len(respBody),
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, RawBody: string(respBody)}
	if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = string(respBody)
	}
	return nil, apiErr
}

// nextDecorrelatedDelay implements min(cap, uniform(base, prev*3)).
func nextDecorrelatedDelay(prev time.Duration) time.Duration {
	upper := prev * 3
	if upper > retryCapDelay {
		upper = retryCapDelay
	}
	if upper <= retryBaseDelay {
		return retryBaseDelay
	}
	span := upper - retryBaseDelay
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return upper
	}
	return retryBaseDelay + time.Duration(n.Int64())
}

func (c *Client) logServiceFlow(taskID, stage string, fields map[string]any) {
	if c.flowlogs == nil || taskID == "" {
		return
	}
	handle, err := c.flowlogs.Open(taskID)
	if err != nil {
		return
	}
	handle.LogServiceFlow(stage, fields)
}
