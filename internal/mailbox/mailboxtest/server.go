// Package mailboxtest provides an in-process fake of the slice of the Gmail
// REST API the gateway uses.
package mailboxtest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const prefix = "/gmail/v1/users/me/"

// SentMessage is a submission recorded by the fake.
type SentMessage struct {
	ID       string
	ThreadID string
	Raw      string
	To       []string
	Subject  string
	Body     string
	Header   mail.Header
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	messages   map[string]*gmail.Message
	order      []string
	sent       []SentMessage
	sendStatus int
	listStatus int
	nextID     int
	profile    string
	calls      map[string]int
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		messages: map[string]*gmail.Message{},
		calls:    map[string]int{},
		profile:  "me@example.com",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Options points a gmail client at the fake.
func (s *Server) Options() []option.ClientOption {
	return []option.ClientOption{option.WithEndpoint(s.URL + "/")}
}

// AddText stores an unread inbox message with a text/plain body.
func (s *Server) AddText(id, threadID, from, subject, body string, received time.Time) *gmail.Message {
	msg := &gmail.Message{
		Id:           id,
		ThreadId:     threadID,
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: received.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: from},
				{Name: "Subject", Value: subject},
				{Name: "Message-ID", Value: "<" + id + "@mail.example.com>"},
			},
			Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte(body))},
		},
	}
	s.Add(msg)
	return msg
}

func (s *Server) Add(msg *gmail.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.Id]; !ok {
		s.order = append([]string{msg.Id}, s.order...)
	}
	s.messages[msg.Id] = msg
}

// MarkRead drops the UNREAD label, as if the user opened the message.
func (s *Server) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		msg.LabelIds = slices.DeleteFunc(slices.Clone(msg.LabelIds), func(l string) bool { return l == "UNREAD" })
	}
}

// FailSend makes every submission answer with status until reset with 0.
func (s *Server) FailSend(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendStatus = status
}

// FailList makes listing answer with status until reset with 0.
func (s *Server) FailList(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listStatus = status
}

func (s *Server) SetProfile(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = email
}

func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// Calls counts requests by operation: list, get, send, thread, profile.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown path")
		return
	}

	switch {
	case path == "profile" && r.Method == http.MethodGet:
		s.count("profile")
		s.mu.Lock()
		profile := s.profile
		s.mu.Unlock()
		writeJSON(w, &gmail.Profile{EmailAddress: profile})
	case path == "messages" && r.Method == http.MethodGet:
		s.count("list")
		s.list(w, r)
	case path == "messages/send" && r.Method == http.MethodPost:
		s.count("send")
		s.send(w, r)
	case strings.HasPrefix(path, "messages/") && r.Method == http.MethodGet:
		s.count("get")
		s.get(w, strings.TrimPrefix(path, "messages/"))
	case strings.HasPrefix(path, "threads/") && r.Method == http.MethodGet:
		s.count("thread")
		s.thread(w, strings.TrimPrefix(path, "threads/"))
	default:
		writeError(w, http.StatusNotFound, "unknown path")
	}
}

func (s *Server) count(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listStatus != 0 {
		writeError(w, s.listStatus, "list unavailable")
		return
	}

	labels := r.URL.Query()["labelIds"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
	resp := &gmail.ListMessagesResponse{}
	for _, id := range s.order {
		msg := s.messages[id]
		if !hasAll(msg.LabelIds, labels) {
			continue
		}
		resp.Messages = append(resp.Messages, &gmail.Message{Id: msg.Id, ThreadId: msg.ThreadId})
		if limit > 0 && len(resp.Messages) == limit {
			break
		}
	}
	resp.ResultSizeEstimate = int64(len(resp.Messages))
	writeJSON(w, resp)
}

func (s *Server) get(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Requested entity was not found.")
		return
	}
	writeJSON(w, msg)
}

func (s *Server) thread(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := &gmail.Thread{Id: id}
	for i := len(s.order) - 1; i >= 0; i-- {
		msg := s.messages[s.order[i]]
		if msg.ThreadId == id {
			thread.Messages = append(thread.Messages, &gmail.Message{
				Id:           msg.Id,
				ThreadId:     msg.ThreadId,
				LabelIds:     msg.LabelIds,
				InternalDate: msg.InternalDate,
			})
		}
	}
	if len(thread.Messages) == 0 {
		writeError(w, http.StatusNotFound, "Requested entity was not found.")
		return
	}
	writeJSON(w, thread)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req gmail.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	status := s.sendStatus
	s.mu.Unlock()
	if status != 0 {
		writeError(w, status, "backend error")
		return
	}

	if strings.Contains(req.Raw, "=") {
		writeError(w, http.StatusBadRequest, "raw must be unpadded base64url")
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(req.Raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid raw: "+err.Error())
		return
	}
	sent, err := parseSent(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sent.ID = fmt.Sprintf("sent-%d", s.nextID)
	sent.ThreadID = req.ThreadId
	if sent.ThreadID == "" {
		sent.ThreadID = "thread-" + sent.ID
	}
	sent.Raw = req.Raw
	s.sent = append(s.sent, sent)

	stored := &gmail.Message{
		Id:           sent.ID,
		ThreadId:     sent.ThreadID,
		LabelIds:     []string{"SENT"},
		InternalDate: time.Now().UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: sent.Subject},
				{Name: "To", Value: strings.Join(sent.To, ", ")},
			},
			Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte(sent.Body))},
		},
	}
	s.messages[stored.Id] = stored
	s.order = append([]string{stored.Id}, s.order...)

	writeJSON(w, &gmail.Message{Id: stored.Id, ThreadId: stored.ThreadId, LabelIds: stored.LabelIds})
}

func parseSent(raw []byte) (SentMessage, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return SentMessage{}, fmt.Errorf("parse message: %w", err)
	}
	defer reader.Close()

	sent := SentMessage{Header: reader.Header}
	sent.Subject, _ = reader.Header.Subject()
	addrs, err := reader.Header.AddressList("To")
	if err != nil {
		return SentMessage{}, fmt.Errorf("parse To: %w", err)
	}
	for _, addr := range addrs {
		sent.To = append(sent.To, addr.Address)
	}

	part, err := reader.NextPart()
	if err != nil {
		return SentMessage{}, fmt.Errorf("read body: %w", err)
	}
	if _, ok := part.Header.(*mail.InlineHeader); !ok {
		return SentMessage{}, fmt.Errorf("unexpected attachment part")
	}
	body, err := io.ReadAll(part.Body)
	if err != nil {
		return SentMessage{}, fmt.Errorf("read body: %w", err)
	}
	sent.Body = string(body)
	return sent, nil
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}
