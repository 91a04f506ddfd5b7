// Package proxy implements the HTTP client that forwards JSON-RPC requests
// to the Stitch API with layered resilience: exponential-backoff retry for
// transient failures and automatic token refresh on HTTP 401. Recovery from
// dropped long-running calls is layered on top by the tracker package.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/viant/jsonrpc"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/config"
)

// AuthProvider supplies upstream credentials and the 401 recovery hook.
type AuthProvider interface {
	AuthHeaders() http.Header
	ForceRefresh(ctx context.Context) error
}

// StatusError carries a non-2xx upstream HTTP status so callers can classify
// the failure without string matching.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus extracts the upstream status code from an error chain, or 0.
func HTTPStatus(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// Client sends JSON-RPC requests to the Stitch API.
type Client struct {
	cfg        *config.Config
	auth       AuthProvider
	logger     *zap.Logger
	httpClient *http.Client
	requestID  atomic.Int64
}

func New(cfg *config.Config, auth AuthProvider, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		auth:       auth,
		logger:     logger.Named("proxy"),
		httpClient: &http.Client{},
	}
}

// Send builds a JSON-RPC request for method/params and performs it with the
// retry loop. Returns the parsed response envelope.
func (c *Client) Send(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	request, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	return c.SendRaw(ctx, request)
}

// SendRaw performs an already-built JSON-RPC request with the retry loop.
// An id is assigned if the request carries none.
func (c *Client) SendRaw(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	if request.Id == nil {
		request.Id = c.requestID.Add(1)
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		response, err := c.post(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		// Token expired: refresh and retry immediately, no backoff.
		if HTTPStatus(err) == http.StatusUnauthorized && attempt < c.cfg.Retry.MaxRetries {
			c.logger.Warn("401 unauthorized, refreshing token", zap.Int("attempt", attempt+1))
			if refreshErr := c.auth.ForceRefresh(ctx); refreshErr != nil {
				return nil, refreshErr
			}
			continue
		}

		if isTransient(err) && attempt < c.cfg.Retry.MaxRetries {
			delay := Backoff(&c.cfg.Retry, attempt)
			c.logger.Warn("transient upstream error, retrying",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", c.cfg.Retry.MaxRetries),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.StitchHost, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	for key, values := range c.auth.AuthHeaders() {
		for _, value := range values {
			httpRequest.Header.Set(key, value)
		}
	}
	if c.cfg.Debug {
		c.logger.Debug("upstream request", zap.String("method", request.Method), zap.Any("id", request.Id))
	}
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	data, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, err
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: httpResponse.StatusCode, Body: truncate(string(data), 200)}
	}
	response := &jsonrpc.Response{}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}
	if c.cfg.Debug {
		c.logger.Debug("upstream response", zap.Any("id", response.Id), zap.Bool("error", response.Error != nil))
	}
	return response, nil
}

// isTransient classifies errors worth retrying: network-level failures,
// request timeouts, HTTP 429, and HTTP 5xx.
func isTransient(err error) bool {
	if status := HTTPStatus(err); status != 0 {
		return status == http.StatusTooManyRequests || status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Backoff computes min(base*2^attempt, maxDelay) jittered upward by the
// policy's jitter fraction.
func Backoff(policy *config.RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << uint(attempt)
	jittered := delay + time.Duration(rand.Float64()*policy.Jitter*float64(delay))
	if jittered > policy.MaxDelay {
		return policy.MaxDelay
	}
	return jittered
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
