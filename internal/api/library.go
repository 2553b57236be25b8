package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.io/infrasutra/replydesk/internal/ingest"
	"github.io/infrasutra/replydesk/internal/pagination"
	"github.io/infrasutra/replydesk/internal/store"
)

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	if r.Method == http.MethodPost {
		var payload store.Template
		if !s.decodeJSON(w, r, &payload) {
			return
		}
		tpl, err := s.store.CreateTemplate(r.Context(), payload)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, tpl)
		return
	}

	params := pagination.GetPaginationParams(r.URL.Query())
	templates, total, err := s.store.ListTemplates(r.Context(), r.URL.Query().Get("search"), params.Offset, params.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pagination.NewResponse(templates, params, total))
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet, http.MethodPut, http.MethodDelete) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/templates/")
	if id == "" || strings.Contains(id, "/") {
		s.respondError(w, http.StatusNotFound, "not found", "")
		return
	}

	switch r.Method {
	case http.MethodGet:
		tpl, err := s.store.GetTemplate(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, tpl)
	case http.MethodPut:
		var patch store.TemplatePatch
		if !s.decodeJSON(w, r, &patch) {
			return
		}
		tpl, err := s.store.UpdateTemplate(r.Context(), id, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, tpl)
	case http.MethodDelete:
		deleted, err := s.store.DeleteTemplate(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !deleted {
			s.respondError(w, http.StatusNotFound, "not found", "")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleKnowledgeList(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	params := pagination.GetPaginationParams(r.URL.Query())
	entries, total, err := s.store.ListKnowledge(r.Context(), params.Offset, params.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pagination.NewResponse(entries, params, total))
}

// handleKnowledge serves the add endpoints (text, file, website) and
// DELETE /api/knowledge/{id}.
func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/knowledge/")
	if rest == "" || strings.Contains(rest, "/") {
		s.respondError(w, http.StatusNotFound, "not found", "")
		return
	}

	if r.Method == http.MethodDelete {
		deleted, err := s.store.DeleteKnowledge(r.Context(), rest)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !deleted {
			s.respondError(w, http.StatusNotFound, "not found", "")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.allowMethod(w, r, http.MethodPost, http.MethodDelete) {
		return
	}

	var (
		entry store.KnowledgeEntry
		err   error
	)
	switch rest {
	case "text":
		var payload struct {
			Text string `json:"text"`
		}
		if !s.decodeJSON(w, r, &payload) {
			return
		}
		entry, err = s.ingester.FromText(payload.Text)
	case "file":
		entry, err = s.readUpload(w, r)
	case "website":
		var payload struct {
			URL string `json:"url"`
		}
		if !s.decodeJSON(w, r, &payload) {
			return
		}
		entry, err = s.ingester.FromWebsite(r.Context(), payload.URL)
		if err != nil && !errors.Is(err, ingest.ErrEmptyContent) {
			s.respondError(w, http.StatusBadGateway, "unable to fetch website", err.Error())
			return
		}
	default:
		s.respondError(w, http.StatusNotFound, "not found", "")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	saved, err := s.store.AddKnowledge(r.Context(), entry)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (store.KnowledgeEntry, error) {
	limit := s.cfg.UploadMaxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return store.KnowledgeEntry{}, badRequest("invalid upload: " + err.Error())
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return store.KnowledgeEntry{}, badRequest("no file provided")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return store.KnowledgeEntry{}, badRequest("unable to read upload")
	}
	entry, err := s.ingester.FromFile(header.Filename, data)
	if err != nil && !errors.Is(err, ingest.ErrUnsupportedFile) && !errors.Is(err, ingest.ErrEmptyContent) {
		return store.KnowledgeEntry{}, badRequest(err.Error())
	}
	return entry, err
}

func (s *Server) handleAutoReplies(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	status := store.ReplyStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.StatusSeen, store.StatusReplied, store.StatusAbandoned:
	default:
		s.respondError(w, http.StatusBadRequest, "invalid status", "")
		return
	}

	params := pagination.GetPaginationParams(r.URL.Query())
	records, total, err := s.store.ListAutoReplies(r.Context(), status, params.Offset, params.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pagination.NewResponse(records, params, total))
}

func badRequest(message string) error {
	return &requestError{message: message}
}

type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }
