// Package auth obtains and refreshes Stitch upstream credentials. Two modes:
// a static API key (stateless pass-through) or Application Default
// Credentials with a background token refresh loop.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/nton2/stitch-mcp/config"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Provider exposes the current upstream credential as request headers and
// keeps it fresh. AuthHeaders never blocks; refresh happens in the background
// or out-of-band via ForceRefresh after an upstream 401.
type Provider struct {
	cfg    *config.Config
	logger *zap.Logger
	source oauth2.TokenSource

	mux         sync.RWMutex
	accessToken string
	expiresAt   time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Option customises a Provider.
type Option func(p *Provider)

// WithTokenSource overrides ADC token acquisition, used by tests.
func WithTokenSource(source oauth2.TokenSource) Option {
	return func(p *Provider) {
		p.source = source
	}
}

func New(cfg *config.Config, logger *zap.Logger, options ...Option) *Provider {
	p := &Provider{cfg: cfg, logger: logger.Named("auth")}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Initialize acquires the first credential and starts the refresh loop.
// In API-key mode it is a no-op. A failed first acquisition is returned to
// the caller and must be treated as fatal.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.cfg.UseAPIKey() {
		p.logger.Info("using API key authentication")
		return nil
	}
	p.logger.Info("using Google ADC authentication")
	if p.source == nil {
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return fmt.Errorf("failed to locate default credentials: %w", err)
		}
		p.source = creds.TokenSource
	}
	if err := p.refresh(); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.refreshLoop(loopCtx)
	return nil
}

// AuthHeaders returns headers for an upstream request using the current
// credential. Safe for concurrent use.
func (p *Provider) AuthHeaders() http.Header {
	headers := http.Header{}
	if p.cfg.UseAPIKey() {
		headers.Set("x-goog-api-key", p.cfg.APIKey)
		return headers
	}
	p.mux.RLock()
	token := p.accessToken
	p.mux.RUnlock()
	headers.Set("Authorization", "Bearer "+token)
	return headers
}

// ForceRefresh refreshes the credential immediately, called after a 401.
// No-op in API-key mode, API keys do not expire.
func (p *Provider) ForceRefresh(ctx context.Context) error {
	if p.cfg.UseAPIKey() {
		return nil
	}
	p.logger.Info("force-refreshing access token")
	return p.refresh()
}

// Stop cancels the background refresh loop. Safe to call multiple times.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
}

func (p *Provider) refresh() error {
	token, err := p.source.Token()
	if err != nil {
		p.logger.Error("failed to refresh token", zap.Error(err))
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	p.mux.Lock()
	p.accessToken = token.AccessToken
	p.expiresAt = token.Expiry
	p.mux.Unlock()
	p.logger.Info("access token refreshed")
	return nil
}

func (p *Provider) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TokenRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick; in-flight requests that
			// hit a 401 meanwhile trigger their own ForceRefresh.
			if err := p.refresh(); err != nil {
				p.logger.Error("background token refresh failed", zap.Error(err))
			}
		}
	}
}
