// Package bridge connects a local stdio MCP client to the hosted cloud
// gateway over streamable HTTP. It owns the gateway session lifecycle and
// relays server-sent notifications back onto stdout mid-call.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs/url"
	"github.com/viant/jsonrpc"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/config"
	"github.com/nton2/stitch-mcp/proxy"
)

// SessionHeader matches the gateway's session header.
const SessionHeader = "Mcp-Session-Id"

// ErrorKind classifies gateway failures so the runner can decide between
// reporting and exiting.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindAuth
	KindRateLimit
)

// Error is a gateway failure with its JSON-RPC code and user-facing message.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string

	// temporary marks server-side failures worth retrying
	temporary bool
}

func (e *Error) Error() string {
	return e.Message
}

// JSON-RPC error codes shared with the gateway.
const (
	codeAuthFailure   = -32001
	codeRateLimit     = -32002
	codeInternalError = -32603
)

// Client speaks JSON-RPC to the cloud gateway's /mcp endpoint. Safe for
// concurrent Send calls.
type Client struct {
	cfg        *config.Config
	logger     *zap.Logger
	httpClient *http.Client
	endpoint   string

	// notify receives raw notification payloads decoded from event streams.
	notify func(payload []byte)

	mux       sync.Mutex
	sessionId string
}

// NewClient creates a gateway client. notify may be nil when nothing
// consumes mid-call notifications.
func NewClient(cfg *config.Config, logger *zap.Logger, notify func(payload []byte)) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func([]byte) {}
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.Named("bridge"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		endpoint:   url.Join(cfg.CloudURL, "/mcp"),
		notify:     notify,
	}
}

func (c *Client) session() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.sessionId
}

func (c *Client) adoptSession(id string) {
	if id == "" {
		return
	}
	c.mux.Lock()
	if c.sessionId == "" {
		c.sessionId = id
		c.logger.Debug("session adopted", zap.String("session", id))
	}
	c.mux.Unlock()
}

// Send forwards one request to the gateway. Auth and rate-limit refusals are
// final; 5xx and transport failures retry under the shared backoff policy.
func (c *Client) Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		response, err := c.post(ctx, body)
		if err == nil {
			return response, nil
		}
		if bridgeErr, ok := err.(*Error); ok && !bridgeErr.temporary {
			// refusals are final; only server-side failures retry
			return nil, err
		}
		lastErr = err
		if attempt >= c.cfg.Retry.MaxRetries {
			return nil, lastErr
		}
		delay := proxy.Backoff(&c.cfg.Retry, attempt)
		c.logger.Warn("gateway request failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*jsonrpc.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json, text/event-stream")
	httpRequest.Header.Set("Authorization", "Bearer "+c.cfg.N2APIKey)
	if session := c.session(); session != "" {
		httpRequest.Header.Set(SessionHeader, session)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	switch {
	case httpResponse.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuth, Code: codeAuthFailure,
			Message: gatewayMessage(httpResponse.Body,
				"Gateway rejected the API key. Set N2_API_KEY to a key from https://cloud.nton2.com/account.")}
	case httpResponse.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimit, Code: codeRateLimit,
			Message: gatewayMessage(httpResponse.Body,
				"Rate limit reached. Upgrade your plan at https://cloud.nton2.com/billing.")}
	case httpResponse.StatusCode >= 500:
		return nil, &Error{Kind: KindGeneric, Code: codeInternalError, temporary: true,
			Message: fmt.Sprintf("gateway returned status %d", httpResponse.StatusCode)}
	case httpResponse.StatusCode >= 400:
		return nil, &Error{Kind: KindGeneric, Code: codeInternalError,
			Message: gatewayMessage(httpResponse.Body, fmt.Sprintf("gateway refused the request (status %d)", httpResponse.StatusCode))}
	}

	c.adoptSession(httpResponse.Header.Get(SessionHeader))

	contentType := httpResponse.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return c.decodeEventStream(httpResponse.Body)
	}
	var response jsonrpc.Response
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return &response, nil
}

// gatewayMessage prefers the JSON-RPC error message in the body over the
// fallback.
func gatewayMessage(body io.Reader, fallback string) string {
	var response jsonrpc.Response
	if err := json.NewDecoder(body).Decode(&response); err == nil && response.Error != nil && response.Error.Message != "" {
		return response.Error.Message
	}
	return fallback
}

// decodeEventStream reads data: events separated by blank lines. Events
// carrying a method are notifications relayed as they arrive; the final
// event is the call's response.
func (c *Client) decodeEventStream(body io.Reader) (*jsonrpc.Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var event bytes.Buffer
	var last []byte
	flush := func() {
		if event.Len() == 0 {
			return
		}
		payload := make([]byte, event.Len())
		copy(payload, event.Bytes())
		event.Reset()
		if last != nil {
			c.relayIfNotification(last)
		}
		last = payload
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			event.WriteString(strings.TrimPrefix(data, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	flush()
	if last == nil {
		return nil, fmt.Errorf("gateway returned an empty event stream")
	}
	var response jsonrpc.Response
	if err := json.Unmarshal(last, &response); err != nil {
		return nil, fmt.Errorf("decode final event: %w", err)
	}
	return &response, nil
}

// relayIfNotification forwards intermediate events that look like
// notifications; anything else is dropped with a debug note.
func (c *Client) relayIfNotification(payload []byte) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Method == "" {
		c.logger.Debug("dropping non-notification event", zap.ByteString("event", payload))
		return
	}
	c.notify(payload)
}

// CloseSession tells the gateway to tear down the session. Best effort.
func (c *Client) CloseSession(ctx context.Context) {
	session := c.session()
	if session == "" {
		return
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.cfg.N2APIKey)
	httpRequest.Header.Set(SessionHeader, session)
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		c.logger.Warn("session close failed", zap.Error(err))
		return
	}
	httpResponse.Body.Close()
	c.logger.Info("session closed", zap.String("session", session))
}
