// Package registry manages per-tenant session bundles for the cloud gateway.
// Each tenant gets its own auth provider, upstream client, generation tracker
// and protocol handler, isolated from every other tenant and reaped after a
// period of inactivity.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/viant/jsonrpc"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/auth"
	"github.com/nton2/stitch-mcp/config"
	"github.com/nton2/stitch-mcp/gateway"
	"github.com/nton2/stitch-mcp/proxy"
	"github.com/nton2/stitch-mcp/tracker"
)

// User is a tenant account known to the gateway.
type User struct {
	Id   string
	Name string
	Plan string
	// Key is the gateway key the tenant presents; distinct from their
	// upstream Stitch credential.
	Key string
}

// UserFinder resolves a presented gateway key to a user record.
type UserFinder interface {
	FindByKey(ctx context.Context, key string) (*User, error)
}

// CredentialSource returns the tenant's upstream Stitch API key. The error
// message is shown to the tenant verbatim, so it should say how to fix the
// situation.
type CredentialSource interface {
	UpstreamKey(ctx context.Context, user *User) (string, error)
}

// UsageCounter enforces per-plan generation quotas.
type UsageCounter interface {
	Check(ctx context.Context, user *User) error
	Increment(ctx context.Context, user *User) error
}

// Session bundles everything one tenant connection needs. All components are
// stopped together when the session closes.
type Session struct {
	Id        string
	User      *User
	CreatedAt time.Time

	handler  *gateway.Handler
	provider *auth.Provider
	tracker  *tracker.Tracker

	mux          sync.Mutex
	lastActivity time.Time
	closeOnce    sync.Once
}

// Serve dispatches one JSON-RPC request on this session's handler.
func (s *Session) Serve(ctx context.Context, request *jsonrpc.Request, response *jsonrpc.Response) {
	s.handler.Serve(ctx, request, response)
}

func (s *Session) touch(now time.Time) {
	s.mux.Lock()
	s.lastActivity = now
	s.mux.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.lastActivity
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.provider.Stop()
		s.tracker.Stop()
	})
}

// Stats is the projection served by the health endpoint.
type Stats struct {
	ActiveSessions int   `json:"activeSessions"`
	UptimeSeconds  int64 `json:"uptimeSeconds"`
}

// Registry owns every live session, keyed both by session id and by tenant
// key so a re-connecting tenant replaces their previous session.
type Registry struct {
	cfg    *config.Config
	creds  CredentialSource
	logger *zap.Logger

	mux      sync.Mutex
	sessions map[string]*Session
	byTenant map[string]string

	cron      *cron.Cron
	startedAt time.Time
}

// New creates a registry and starts the idle-session sweep.
func New(cfg *config.Config, creds CredentialSource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:       cfg,
		creds:     creds,
		logger:    logger.Named("registry"),
		sessions:  make(map[string]*Session),
		byTenant:  make(map[string]string),
		startedAt: time.Now(),
	}
	r.cron = cron.New()
	r.cron.AddFunc("@every 1m", r.sweep)
	r.cron.Start()
	return r
}

// GetOrCreate builds a session bundle for the tenant, replacing any session
// they already hold. The returned flag reports whether the tenant had no
// previous session.
func (r *Registry) GetOrCreate(ctx context.Context, tenantKey string, user *User) (*Session, bool, error) {
	r.mux.Lock()
	previous := r.byTenant[tenantKey]
	r.mux.Unlock()
	isNew := previous == ""
	if !isNew {
		r.logger.Info("replacing session on re-initialize",
			zap.String("user", user.Id), zap.String("session", previous))
		r.Close(previous)
	}

	upstreamKey, err := r.creds.UpstreamKey(ctx, user)
	if err != nil {
		return nil, isNew, fmt.Errorf("no upstream credential for %s: %w", user.Name, err)
	}

	// Shallow copy with the tenant's own Stitch credential; everything else
	// is shared read-only.
	tenantCfg := *r.cfg
	tenantCfg.APIKey = upstreamKey

	sessionLogger := r.logger.With(zap.String("user", user.Id))
	provider := auth.New(&tenantCfg, sessionLogger)
	if err := provider.Initialize(ctx); err != nil {
		return nil, isNew, fmt.Errorf("auth bring-up for %s: %w", user.Name, err)
	}
	client := proxy.New(&tenantCfg, provider, sessionLogger)
	generations := tracker.New(client, &tenantCfg, sessionLogger)
	handler := gateway.New(client, generations, sessionLogger)
	if err := handler.DiscoverTools(ctx); err != nil {
		provider.Stop()
		generations.Stop()
		return nil, isNew, fmt.Errorf("session bring-up for %s: %w", user.Name, err)
	}

	now := time.Now()
	session := &Session{
		Id:           uuid.NewString(),
		User:         user,
		CreatedAt:    now,
		lastActivity: now,
		handler:      handler,
		provider:     provider,
		tracker:      generations,
	}
	r.mux.Lock()
	r.sessions[session.Id] = session
	r.byTenant[tenantKey] = session.Id
	active := len(r.sessions)
	r.mux.Unlock()
	r.logger.Info("session created",
		zap.String("session", session.Id), zap.String("user", user.Id), zap.Int("active", active))
	return session, isNew, nil
}

// Get returns the session and refreshes its activity timestamp, or nil.
func (r *Registry) Get(id string) *Session {
	r.mux.Lock()
	session := r.sessions[id]
	r.mux.Unlock()
	if session != nil {
		session.touch(time.Now())
	}
	return session
}

// Close stops the session's components and forgets it. Safe to call twice.
func (r *Registry) Close(id string) {
	r.mux.Lock()
	session := r.sessions[id]
	if session != nil {
		delete(r.sessions, id)
		for key, sessionId := range r.byTenant {
			if sessionId == id {
				delete(r.byTenant, key)
			}
		}
	}
	r.mux.Unlock()
	if session == nil {
		return
	}
	session.close()
	r.logger.Info("session closed", zap.String("session", id), zap.String("user", session.User.Id))
}

// Shutdown stops the sweep and closes every live session.
func (r *Registry) Shutdown() {
	r.cron.Stop()
	r.mux.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mux.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// Stats reports the live session count and process uptime.
func (r *Registry) Stats() Stats {
	r.mux.Lock()
	active := len(r.sessions)
	r.mux.Unlock()
	return Stats{
		ActiveSessions: active,
		UptimeSeconds:  int64(time.Since(r.startedAt).Seconds()),
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.SessionTTL)
	r.mux.Lock()
	var idle []string
	for id, session := range r.sessions {
		if session.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mux.Unlock()
	for _, id := range idle {
		r.logger.Info("closing idle session", zap.String("session", id))
		r.Close(id)
	}
}
