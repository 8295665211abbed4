// Package api implements the HTTP surface: the chat endpoint, the
// Google OAuth pages, and health/ops endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conciergelabs/concierge/internal/agent"
	"github.com/conciergelabs/concierge/internal/buildinfo"
	"github.com/conciergelabs/concierge/internal/calendar"
	"github.com/conciergelabs/concierge/internal/llm"
	"github.com/conciergelabs/concierge/internal/oauth"
	"github.com/conciergelabs/concierge/internal/session"
	"github.com/conciergelabs/concierge/internal/tools"
	"github.com/conciergelabs/concierge/internal/users"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ProviderSource resolves the calendar provider a chat turn acts on.
type ProviderSource interface {
	Provider(ctx context.Context) (calendar.Provider, error)
}

// StaticProviderSource always hands out the same provider. Used for
// CalDAV deployments, where one configured calendar serves everyone.
type StaticProviderSource struct {
	P calendar.Provider
}

func (s StaticProviderSource) Provider(ctx context.Context) (calendar.Provider, error) {
	return s.P, nil
}

// GoogleProviderSource builds a provider for the connected Google
// account, authorizing with its stored OAuth tokens.
type GoogleProviderSource struct {
	OAuth      *oauth.Service
	Users      *users.Store
	CalendarID string
	Logger     *slog.Logger
}

func (g GoogleProviderSource) Provider(ctx context.Context) (calendar.Provider, error) {
	u, err := g.Users.Latest(ctx)
	if errors.Is(err, users.ErrNotFound) {
		return nil, fmt.Errorf("no calendar connected yet; visit /oauth/google/authorize first")
	}
	if err != nil {
		return nil, fmt.Errorf("look up connected account: %w", err)
	}
	return calendar.NewGoogleClient(g.OAuth.HTTPClient(ctx, u), g.CalendarID, g.Logger), nil
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	agent     *agent.Agent
	store     session.Store
	locker    *session.Locker
	providers ProviderSource
	oauthSvc  *oauth.Service
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, ag *agent.Agent, store session.Store, providers ProviderSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		agent:     ag,
		store:     store,
		locker:    session.NewLocker(),
		providers: providers,
		logger:    logger,
	}
}

// SetOAuthService enables the Google OAuth endpoints.
func (s *Server) SetOAuthService(svc *oauth.Service) {
	s.oauthSvc = svc
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /oauth/google/authorize", s.handleOAuthAuthorize)
	mux.HandleFunc("GET /oauth/google/callback", s.handleOAuthCallback)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // a turn can take several model rounds
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ChatRequest is one user turn.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Timezone       string `json:"timezone"`
	Query          string `json:"query"`
}

// ChatResponse carries the updated transcript. Persisted=false means
// the store was unavailable: the reply is good but a follow-up with the
// same conversation_id may not see this turn.
type ChatResponse struct {
	ConversationID string        `json:"conversation_id"`
	Timezone       string        `json:"timezone"`
	Reply          string        `json:"reply"`
	Messages       []llm.Message `json:"messages"`
	Persisted      bool          `json:"persisted"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.errorResponse(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Timezone == "" {
		s.errorResponse(w, http.StatusBadRequest, "timezone is required")
		return
	}

	provider, err := s.providers.Provider(r.Context())
	if err != nil {
		s.logger.Warn("no calendar provider available", "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	// One turn per conversation at a time; concurrent turns for the
	// same ID would interleave transcript writes.
	unlock := s.locker.Lock(conversationID)
	defer unlock()

	degraded := false
	state, err := s.store.Load(r.Context(), conversationID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		state = agent.NewState(conversationID, req.Timezone)
	case err != nil:
		// Store down: run the turn anyway, flag the lost continuity.
		s.logger.Error("session store unavailable, continuing unpersisted",
			"conversation_id", conversationID, "error", err)
		state = agent.NewState(conversationID, req.Timezone)
		degraded = true
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBookingTools(registry, provider, state.Timezone, nil); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid timezone %q", state.Timezone))
		return
	}

	state.AppendUser(req.Query)

	result, err := s.agent.Run(r.Context(), state, registry)
	if err != nil {
		var malformed *agent.MalformedResponseError
		switch {
		case errors.As(err, &malformed):
			s.logger.Error("model response unusable", "conversation_id", conversationID, "error", err)
			s.errorResponse(w, http.StatusBadGateway, "the model returned an unusable response")
		case errors.Is(err, agent.ErrLoopBudgetExceeded):
			s.logger.Error("turn exhausted tool rounds", "conversation_id", conversationID)
			s.errorResponse(w, http.StatusBadGateway, "the assistant could not finish within its tool budget")
		default:
			s.logger.Error("chat turn failed", "conversation_id", conversationID, "error", err)
			s.errorResponse(w, http.StatusBadGateway, "upstream model error")
		}
		return
	}

	persisted := !degraded && !s.store.Ephemeral()
	if err := s.store.Save(r.Context(), state); err != nil {
		persisted = false
		s.logger.Error("failed to persist conversation",
			"conversation_id", conversationID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		ConversationID: conversationID,
		Timezone:       state.Timezone,
		Reply:          result.Content,
		Messages:       state.Messages,
		Persisted:      persisted,
	}, s.logger)
}

func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.oauthSvc == nil {
		s.errorResponse(w, http.StatusNotFound, "google oauth is not configured")
		return
	}
	state := r.URL.Query().Get("user_id")
	if state == "" {
		state = uuid.NewString()
	}
	http.Redirect(w, r, s.oauthSvc.AuthURL(state), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauthSvc == nil {
		s.errorResponse(w, http.StatusNotFound, "google oauth is not configured")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		s.errorResponse(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	user, err := s.oauthSvc.HandleCallback(r.Context(), code)
	if err != nil {
		s.logger.Error("oauth callback failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "authorization failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "connected",
		"email":  user.Email,
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Concierge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]string{"message": message},
	}, s.logger)
}
