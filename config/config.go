// Package config loads proxy configuration from environment variables with
// defaults matching the reference deployment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultStitchHost = "https://stitch.googleapis.com/mcp"
	defaultCloudURL   = "https://cloud.nton2.com"
)

// RetryPolicy bounds the retry loop shared by the upstream and bridge clients.
// Values are immutable after Load; share by read-only reference.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the fraction of the computed delay randomised on top of it.
	Jitter float64
}

// Config carries every tunable the proxy consumes. Loaded once at start-up;
// session bundles receive a shallow copy with a per-tenant APIKey.
type Config struct {
	// Stitch upstream
	StitchHost string
	APIKey     string
	ProjectID  string

	// Cloud gateway (bridge mode)
	N2APIKey string
	CloudURL string

	Debug bool

	Retry       RetryPolicy
	HTTPTimeout time.Duration

	// Tokens expire at 60 min; refresh at 50 for a safety margin.
	TokenRefreshInterval time.Duration

	// Generation recovery polling
	PollInterval    time.Duration
	PollTimeout     time.Duration
	InitialPollWait time.Duration

	// Multi-tenant gateway
	SessionTTL time.Duration
}

// UseAPIKey reports whether the static credential mode is active.
func (c *Config) UseAPIKey() bool {
	return c.APIKey != ""
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("STITCH_HOST", defaultStitchHost)
	v.SetDefault("N2_CLOUD_URL", defaultCloudURL)
	v.SetDefault("STITCH_MAX_RETRIES", 3)
	v.SetDefault("STITCH_RETRY_BASE_DELAY", "1s")
	v.SetDefault("STITCH_RETRY_MAX_DELAY", "15s")
	v.SetDefault("STITCH_HTTP_TIMEOUT", "5m")
	v.SetDefault("STITCH_TOKEN_REFRESH_INTERVAL", "50m")
	v.SetDefault("STITCH_POLL_INTERVAL", "10s")
	v.SetDefault("STITCH_POLL_TIMEOUT", "12m")
	v.SetDefault("STITCH_INITIAL_POLL_WAIT", "5s")
	v.SetDefault("SESSION_TTL", "30m")

	projectID := v.GetString("STITCH_PROJECT_ID")
	if projectID == "" {
		projectID = v.GetString("GOOGLE_CLOUD_PROJECT")
	}

	return &Config{
		StitchHost: strings.TrimSuffix(v.GetString("STITCH_HOST"), "/"),
		APIKey:     v.GetString("STITCH_API_KEY"),
		ProjectID:  projectID,
		N2APIKey:   v.GetString("N2_API_KEY"),
		CloudURL:   strings.TrimSuffix(v.GetString("N2_CLOUD_URL"), "/"),
		Debug:      v.GetString("STITCH_DEBUG") == "1",
		Retry: RetryPolicy{
			MaxRetries: v.GetInt("STITCH_MAX_RETRIES"),
			BaseDelay:  v.GetDuration("STITCH_RETRY_BASE_DELAY"),
			MaxDelay:   v.GetDuration("STITCH_RETRY_MAX_DELAY"),
			Jitter:     0.3,
		},
		HTTPTimeout:          v.GetDuration("STITCH_HTTP_TIMEOUT"),
		TokenRefreshInterval: v.GetDuration("STITCH_TOKEN_REFRESH_INTERVAL"),
		PollInterval:         v.GetDuration("STITCH_POLL_INTERVAL"),
		PollTimeout:          v.GetDuration("STITCH_POLL_TIMEOUT"),
		InitialPollWait:      v.GetDuration("STITCH_INITIAL_POLL_WAIT"),
		SessionTTL:           v.GetDuration("SESSION_TTL"),
	}
}
