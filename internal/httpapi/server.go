package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mull2536/call-agent/internal/bridge"
	"github.com/mull2536/call-agent/internal/broadcast"
	"github.com/mull2536/call-agent/internal/config"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/store"
	"github.com/mull2536/call-agent/internal/telephony"
)

// CallControl places and ends calls on the telephony provider.
type CallControl interface {
	CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.Call, error)
	Terminate(ctx context.Context, callSID string) (telephony.Call, error)
}

type Deps struct {
	Calls     *bridge.Manager
	Registry  *conversation.Registry
	Hub       *broadcast.Hub
	Telephony CallControl
	Store     store.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony media streams and server-side observers send no Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/media-stream", s.handleMediaStream)
	r.Get("/events", s.handleEvents)

	r.Route("/twilio", func(r chi.Router) {
		r.Use(s.verifyTwilioSignature)
		r.Post("/voice", s.handleVoiceWebhook)
		r.Post("/status", s.handleStatusWebhook)
	})

	r.Post("/v1/calls", s.handleCreateCall)
	r.Get("/v1/calls/active", s.handleActiveCalls)
	r.Get("/v1/calls/history", s.handleCallHistory)
	r.Post("/v1/calls/{sid}/hangup", s.handleHangup)
	r.Get("/v1/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Get("/v1/settings", s.handleGetSettings)
	r.Put("/v1/settings", s.handleSaveSettings)
	r.Post("/v1/contacts", s.handleSaveContact)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.activeCalls(),
		"observers":    s.observerCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"store_mode":        s.storeMode(),
		"telephony_control": s.deps.Telephony != nil,
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) activeCalls() int {
	if s.deps.Calls == nil {
		return 0
	}
	return s.deps.Calls.ActiveCount()
}

func (s *Server) observerCount() int {
	if s.deps.Hub == nil {
		return 0
	}
	return s.deps.Hub.Count()
}

func (s *Server) storeMode() string {
	switch s.deps.Store.(type) {
	case nil:
		return "disabled"
	case *store.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}
