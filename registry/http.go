package registry

import (
	"encoding/json"
	"net/http"

	"github.com/viant/jsonrpc"
	"github.com/viant/mcp-protocol/schema"
	"go.uber.org/zap"
)

// SessionHeader carries the session id on both requests and responses.
const SessionHeader = "Mcp-Session-Id"

// JSON-RPC error codes surfaced to bridge clients. -32001 and -32002 are
// gateway-specific; the rest are the standard set.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
	codeAuthFailure    = -32001
	codeRateLimit      = -32002
)

// HTTPServer is the streamable-HTTP face of the multi-tenant gateway: one
// /mcp endpoint speaking JSON-RPC over POST, DELETE to end a session, and a
// health probe.
type HTTPServer struct {
	registry *Registry
	users    UserFinder
	usage    UsageCounter
	logger   *zap.Logger
}

func NewHTTPServer(registry *Registry, users UserFinder, usage UsageCounter, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{registry: registry, users: users, usage: usage, logger: logger.Named("http")}
}

// Handler returns the routed handler with CORS and tenant auth applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/healthz", s.handleHealth)
	cors := &corsHandler{defaultCors()}
	return ChainMiddlewareHandlers(mux, cors.Middleware, s.authMiddleware)
}

// authMiddleware resolves the presented gateway key to a tenant. The health
// probe stays open.
func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := presentedKey(r)
		if key == "" {
			s.writeError(w, http.StatusUnauthorized, codeAuthFailure,
				"Missing API key. Pass it as Authorization: Bearer <key> or X-API-Key.")
			return
		}
		user, err := s.users.FindByKey(r.Context(), key)
		if err != nil || user == nil {
			s.writeError(w, http.StatusUnauthorized, codeAuthFailure,
				"Invalid API key. Manage your keys at https://cloud.nton2.com/account.")
			return
		}
		ctx := contextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	var request jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, codeParseError, "malformed JSON-RPC request: "+err.Error())
		return
	}

	sessionId := r.Header.Get(SessionHeader)
	if request.Method == schema.MethodInitialize && sessionId == "" {
		session, _, err := s.registry.GetOrCreate(r.Context(), user.Key, user)
		if err != nil {
			s.logger.Error("session bring-up failed", zap.String("user", user.Id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		w.Header().Set(SessionHeader, session.Id)
		s.serve(w, r, session, &request)
		return
	}

	if sessionId == "" {
		s.writeError(w, http.StatusBadRequest, codeInvalidRequest,
			"missing "+SessionHeader+" header; initialize first")
		return
	}
	session := s.registry.Get(sessionId)
	if session == nil {
		s.writeError(w, http.StatusNotFound, codeInvalidRequest,
			"unknown or expired session; initialize again")
		return
	}
	if session.User.Id != user.Id {
		s.writeError(w, http.StatusForbidden, codeAuthFailure, "session belongs to another account")
		return
	}

	if request.Method == schema.MethodToolsCall && s.countsAgainstQuota(&request) {
		if err := s.usage.Check(r.Context(), user); err != nil {
			s.writeError(w, http.StatusTooManyRequests, codeRateLimit, err.Error())
			return
		}
		defer func() {
			if err := s.usage.Increment(r.Context(), user); err != nil {
				s.logger.Warn("usage increment failed", zap.String("user", user.Id), zap.Error(err))
			}
		}()
	}

	w.Header().Set(SessionHeader, session.Id)
	s.serve(w, r, session, &request)
}

// countsAgainstQuota limits quota accounting to screen generations; reads
// and listings stay free.
func (s *HTTPServer) countsAgainstQuota(request *jsonrpc.Request) bool {
	var params schema.CallToolRequestParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return false
	}
	return params.Name == "generate_screen_from_text"
}

func (s *HTTPServer) serve(w http.ResponseWriter, r *http.Request, session *Session, request *jsonrpc.Request) {
	response := &jsonrpc.Response{Jsonrpc: jsonrpc.Version, Id: request.Id}
	session.Serve(r.Context(), request, response)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warn("response write failed", zap.Error(err))
	}
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	sessionId := r.Header.Get(SessionHeader)
	if sessionId == "" {
		s.writeError(w, http.StatusBadRequest, codeInvalidRequest, "missing "+SessionHeader+" header")
		return
	}
	if session := s.registry.Get(sessionId); session != nil {
		if session.User.Id != user.Id {
			s.writeError(w, http.StatusForbidden, codeAuthFailure, "session belongs to another account")
			return
		}
		s.registry.Close(sessionId)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"activeSessions": stats.ActiveSessions,
		"uptimeSeconds":  stats.UptimeSeconds,
	})
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := &jsonrpc.Response{Jsonrpc: jsonrpc.Version, Error: jsonrpc.NewError(code, message, nil)}
	json.NewEncoder(w).Encode(response)
}
