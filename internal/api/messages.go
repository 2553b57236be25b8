package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/replydesk/internal/mailbox"
	"github.io/infrasutra/replydesk/internal/pagination"
	"github.io/infrasutra/replydesk/internal/poller"
	"github.io/infrasutra/replydesk/internal/responder"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	params := pagination.GetPaginationParams(r.URL.Query())

	messages, err := s.mail.ListUnread(r.Context(), int(params.Limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []mailbox.Message{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleMessage serves /api/messages/{id}, .../draft and .../reply.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		s.respondError(w, http.StatusNotFound, "not found", "")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if !s.allowMethod(w, r, http.MethodGet) {
			return
		}
		msg, err := s.mail.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, msg)
		return
	}

	switch parts[1] {
	case "draft":
		if s.allowMethod(w, r, http.MethodPost) {
			s.handleDraft(w, r, id)
		}
	case "reply":
		if s.allowMethod(w, r, http.MethodPost) {
			s.handleReply(w, r, id)
		}
	default:
		s.respondError(w, http.StatusNotFound, "not found", "")
	}
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request, id string) {
	msg, err := s.mail.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := msg.Text()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	knowledge, err := s.knowledgeContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	reply, err := s.responder.Generate(r.Context(), responder.Request{
		Subject:          msg.Subject,
		Body:             body,
		KnowledgeContext: knowledge,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"to":      msg.ReplyAddress(),
		"subject": poller.ReplySubject(msg.Subject),
		"body":    reply,
	})
}

// handleReply sends a reply in the message's thread and records it so the
// poller leaves the message alone.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, id string) {
	var payload struct {
		Body string `json:"body"`
	}
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Body) == "" {
		s.respondError(w, http.StatusBadRequest, "reply body required", "")
		return
	}

	msg, err := s.mail.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sent, err := s.mail.Send(r.Context(), mailbox.Outgoing{
		To:        []string{msg.ReplyAddress()},
		Subject:   poller.ReplySubject(msg.Subject),
		Body:      payload.Body,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.MessageIDHeader,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.MarkReplied(r.Context(), msg.ID, msg.ThreadID, sent.ID, s.now()); err != nil {
		s.logger.Error("reply sent but not recorded", "message_id", msg.ID, "reply_id", sent.ID, "error", err)
	}
	s.respondJSON(w, http.StatusOK, sent)
}

type sendRequest struct {
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	ThreadID string   `json:"threadId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	var payload sendRequest
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	if _, err := mailbox.ParseRecipients(payload.To); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if strings.TrimSpace(payload.Body) == "" {
		s.respondError(w, http.StatusBadRequest, "message body required", "")
		return
	}

	out := mailbox.Outgoing{
		To:       payload.To,
		Subject:  payload.Subject,
		Body:     payload.Body,
		ThreadID: strings.TrimSpace(payload.ThreadID),
	}
	var sender Sender = s.mail
	if s.relay != nil && out.ThreadID == "" {
		sender = s.relay
	}
	sent, err := sender.Send(r.Context(), out)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sent)
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var payload struct {
		Instruction string `json:"instruction"`
	}
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Instruction) == "" {
		s.respondError(w, http.StatusBadRequest, "instruction required", "")
		return
	}
	body, err := s.responder.Compose(r.Context(), payload.Instruction)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"body": body})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	account, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(account)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: auto_reply\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) knowledgeContext(ctx context.Context) (string, error) {
	entries, err := s.store.FirstKnowledge(ctx, responder.MaxContextEntries)
	if err != nil {
		return "", err
	}
	contents := make([]string, 0, len(entries))
	for _, entry := range entries {
		contents = append(contents, entry.Content)
	}
	return responder.KnowledgeContext(contents), nil
}
