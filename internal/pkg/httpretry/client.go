// Package httpretry wraps an HTTP client with retries on transient failures,
// using the backoff of a retry.Policy.
package httpretry

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/pkg/retry"
)

// HTTPDoer executes HTTP requests. *http.Client and *Client satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries requests that fail with a network error or a retryable
// status. The final response is returned as-is so callers can read it.
type Client struct {
	doer   HTTPDoer
	policy retry.Policy
}

// New wraps doer. A nil doer gets a 30s-timeout http.Client; a policy with
// no attempts gets 4 attempts starting at one second.
func New(doer HTTPDoer, policy retry.Policy) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy = retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true}
	}
	return &Client{doer: doer, policy: policy}
}

// Do sends req, retrying on 429, 5xx gateway errors and transport errors.
// Client errors and context cancellation are never retried. Requests with a
// body must set GetBody to be retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpretry: reset body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.doer.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		case !Retryable(resp.StatusCode) || c.policy.Exhausted(attempt):
			return resp, nil
		default:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
		}
		if c.policy.Exhausted(attempt) {
			return nil, lastErr
		}
		if req.Body != nil && req.GetBody == nil {
			return nil, lastErr
		}

		delay := c.policy.Delay(attempt)
		logger.Warn("retrying request", "component", "httpretry",
			"attempt", attempt, "host", req.URL.Host, "path", req.URL.Path, "wait", delay, "error", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}
}

// Retryable reports whether status is a transient server-side failure.
func Retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
