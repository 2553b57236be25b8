package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/replydesk/internal/auth"
	"github.io/infrasutra/replydesk/internal/config"
	"github.io/infrasutra/replydesk/internal/credentials"
	"github.io/infrasutra/replydesk/internal/ingest"
	"github.io/infrasutra/replydesk/internal/mailbox"
	"github.io/infrasutra/replydesk/internal/metrics"
	"github.io/infrasutra/replydesk/internal/oauth"
	"github.io/infrasutra/replydesk/internal/responder"
	"github.io/infrasutra/replydesk/internal/sse"
	"github.io/infrasutra/replydesk/internal/store"
)

type Authorizer interface {
	Begin(ctx context.Context) (string, error)
	Complete(ctx context.Context, code, state string) (credentials.Tuple, error)
	RedirectURI() string
}

type Mailbox interface {
	ListUnread(ctx context.Context, maxResults int) ([]mailbox.Message, error)
	Get(ctx context.Context, id string) (mailbox.Message, error)
	Profile(ctx context.Context) (string, error)
	Send(ctx context.Context, msg mailbox.Outgoing) (mailbox.Sent, error)
}

type Sender interface {
	Send(ctx context.Context, msg mailbox.Outgoing) (mailbox.Sent, error)
}

type Responder interface {
	Generate(ctx context.Context, req responder.Request) (string, error)
	Compose(ctx context.Context, instruction string) (string, error)
}

// Deps is everything the HTTP layer talks to. Relay is optional; without it
// composed mail goes out through the mailbox.
type Deps struct {
	Config    config.Config
	Store     *store.Store
	Holder    *credentials.Holder
	Auth      Authorizer
	Mail      Mailbox
	Relay     Sender
	Responder Responder
	Ingester  *ingest.Ingester
	Hub       *sse.Hub
	Sessions  *auth.Manager
	Logger    *slog.Logger
}

type Server struct {
	cfg          config.Config
	store        *store.Store
	holder       *credentials.Holder
	authz        Authorizer
	mail         Mailbox
	relay        Sender
	responder    Responder
	ingester     *ingest.Ingester
	hub          *sse.Hub
	sessions     *auth.Manager
	logger       *slog.Logger
	callbackPath string
	mux          *http.ServeMux
	now          func() time.Time
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		cfg:          d.Config,
		store:        d.Store,
		holder:       d.Holder,
		authz:        d.Auth,
		mail:         d.Mail,
		relay:        d.Relay,
		responder:    d.Responder,
		ingester:     d.Ingester,
		hub:          d.Hub,
		sessions:     d.Sessions,
		logger:       logger,
		callbackPath: callbackPath(d.Auth.RedirectURI()),
		now:          time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/messages", server.handleMessages)
	mux.HandleFunc("/api/messages/", server.handleMessage)
	mux.HandleFunc("/api/send", server.handleSend)
	mux.HandleFunc("/api/compose/generate", server.handleCompose)
	mux.HandleFunc("/api/templates", server.handleTemplates)
	mux.HandleFunc("/api/templates/", server.handleTemplate)
	mux.HandleFunc("/api/knowledge", server.handleKnowledgeList)
	mux.HandleFunc("/api/knowledge/", server.handleKnowledge)
	mux.HandleFunc("/api/auto-replies", server.handleAutoReplies)
	mux.HandleFunc("/api/stream", server.handleStream)
	mux.HandleFunc(server.callbackPath, server.handleCallback)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rec.status)
}

// callbackPath is where the provider sends the browser back to; it is the
// path of the configured redirect URI.
func callbackPath(redirectURI string) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "/oauth2callback"
	}
	return parsed.Path
}

// requireSession resolves the account of the session cookie and makes sure
// credentials for it are still held. It writes the error response itself.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	account, err := s.sessions.FromRequest(r, s.now())
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "unauthorized", "")
		return "", false
	}
	tuple, ok := s.holder.Current()
	if !ok || !strings.EqualFold(tuple.Account, account) {
		s.sessions.ClearCookie(w)
		s.respondError(w, http.StatusUnauthorized, "reauthorization required", "")
		return "", false
	}
	return account, true
}

func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	return false
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON", "")
		return false
	}
	return true
}

// fail maps an error from any component onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		sendErr     *mailbox.SendError
		gatewayErr  *mailbox.GatewayError
		upstreamErr *responder.UpstreamError
		requestErr  *requestError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, oauth.ErrReauthRequired):
		s.sessions.ClearCookie(w)
		s.respondError(w, http.StatusUnauthorized, "reauthorization required", "")
	case errors.As(err, &sendErr):
		s.logger.Error("send failed", "path", r.URL.Path, "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":    "send failed",
			"detail":   sendErr.Detail,
			"rejected": sendErr.Rejected,
		})
	case errors.Is(err, mailbox.ErrMessageNotFound):
		s.respondError(w, http.StatusNotFound, "message not found", "")
	case errors.As(err, &gatewayErr):
		s.logger.Error("mail provider failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusBadGateway, "mail provider error", gatewayErr.Error())
	case errors.As(err, &upstreamErr), errors.Is(err, responder.ErrNoCompletion):
		s.logger.Error("completion failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusBadGateway, "completion failed", err.Error())
	case errors.As(err, &requestErr):
		s.respondError(w, http.StatusBadRequest, requestErr.Error(), "")
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, store.ErrInvalid), errors.Is(err, mailbox.ErrNoReadableBody),
		errors.Is(err, ingest.ErrUnsupportedFile), errors.Is(err, ingest.ErrEmptyContent):
		s.respondError(w, http.StatusBadRequest, err.Error(), "")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message, detail string) {
	body := map[string]string{"error": message}
	if detail != "" {
		body["detail"] = detail
	}
	s.respondJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// routeLabel keeps metric labels bounded by dropping ids from the path.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
