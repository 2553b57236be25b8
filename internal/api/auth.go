package api

import (
	"errors"
	"net/http"
	"strings"

	"github.io/infrasutra/replydesk/internal/oauth"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	authURL, err := s.authz.Begin(r.Context())
	if err != nil {
		s.logger.Error("begin authorization", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to start authorization", "")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		s.respondError(w, http.StatusBadRequest, "authorization denied", providerErr)
		return
	}

	tuple, err := s.authz.Complete(r.Context(), q.Get("code"), q.Get("state"))
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrStateMismatch), errors.Is(err, oauth.ErrNoPendingRequest):
		s.logger.Warn("rejected authorization callback", "error", err)
		s.respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	case errors.Is(err, oauth.ErrExchangeFailed):
		s.logger.Error("authorization code exchange failed", "error", err)
		s.respondError(w, http.StatusBadGateway, "token exchange failed", "")
		return
	default:
		s.fail(w, r, err)
		return
	}

	account, err := s.mail.Profile(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.holder.SetAccount(r.Context(), account); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.sessions.SetCookie(w, account, s.now()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("account connected", "account", account, "scopes", tuple.Scopes)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.holder.Clear(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.sessions.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	response := struct {
		Authenticated bool   `json:"authenticated"`
		Email         string `json:"email,omitempty"`
	}{}

	account, err := s.sessions.FromRequest(r, s.now())
	if tuple, ok := s.holder.Current(); ok && err == nil && strings.EqualFold(tuple.Account, account) {
		response.Authenticated = true
		response.Email = account
	}
	s.respondJSON(w, http.StatusOK, response)
}
