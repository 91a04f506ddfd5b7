package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/config"
)

type fakeAuth struct {
	refreshes atomic.Int64
	key       string
}

func (a *fakeAuth) AuthHeaders() http.Header {
	headers := http.Header{}
	headers.Set("x-goog-api-key", a.key)
	return headers
}

func (a *fakeAuth) ForceRefresh(ctx context.Context) error {
	a.refreshes.Add(1)
	a.key = "refreshed"
	return nil
}

func fastConfig(host string) *config.Config {
	cfg := config.Load()
	cfg.StitchHost = host
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	cfg.HTTPTimeout = time.Second
	return cfg
}

func writeResult(w http.ResponseWriter, result interface{}) {
	data, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  json.RawMessage(data),
	})
}

func TestSendSuccess(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		assert.Equal(t, "key-1", r.Header.Get("x-goog-api-key"))
		writeResult(w, map[string]string{"ok": "yes"})
	}))
	defer upstream.Close()

	client := New(fastConfig(upstream.URL), &fakeAuth{key: "key-1"}, zap.NewNop())
	response, err := client.Send(context.Background(), "tools/list", map[string]interface{}{})
	require.NoError(t, err)
	assert.Nil(t, response.Error)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestRetryOn500ThenSuccess(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeResult(w, map[string]string{})
	}))
	defer upstream.Close()

	client := New(fastConfig(upstream.URL), &fakeAuth{}, zap.NewNop())
	_, err := client.Send(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestAttemptsBounded(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	cfg := fastConfig(upstream.URL)
	client := New(cfg, &fakeAuth{}, zap.NewNop())
	_, err := client.Send(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
	assert.EqualValues(t, cfg.Retry.MaxRetries+1, attempts.Load())
}

func TestNonRetryable4xxSingleAttempt(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	client := New(fastConfig(upstream.URL), &fakeAuth{}, zap.NewNop())
	_, err := client.Send(context.Background(), "tools/call", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.EqualValues(t, 1, attempts.Load())
}

func Test401TriggersSingleRefreshAndRetry(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("x-goog-api-key") != "refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeResult(w, map[string]string{})
	}))
	defer upstream.Close()

	authProvider := &fakeAuth{key: "stale"}
	client := New(fastConfig(upstream.URL), authProvider, zap.NewNop())
	_, err := client.Send(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, authProvider.refreshes.Load())
	assert.EqualValues(t, 2, attempts.Load())
}

func TestBackoffDelayBounds(t *testing.T) {
	policy := &config.RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Jitter:    0.3,
	}
	for attempt := 0; attempt < 4; attempt++ {
		expected := policy.BaseDelay << uint(attempt)
		for i := 0; i < 50; i++ {
			delay := Backoff(policy, attempt)
			assert.GreaterOrEqual(t, delay, expected)
			assert.LessOrEqual(t, delay, time.Duration(float64(expected)*1.3)+time.Millisecond)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	policy := &config.RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  2 * time.Second,
		Jitter:    0.3,
	}
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, Backoff(policy, 5), policy.MaxDelay)
	}
}

func TestTimeoutClassifiedTransient(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	cfg := fastConfig(upstream.URL)
	cfg.HTTPTimeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 1
	client := New(cfg, &fakeAuth{}, zap.NewNop())
	_, err := client.Send(context.Background(), "tools/call", nil)
	require.Error(t, err)
	assert.EqualValues(t, 2, attempts.Load())
}
