package sse

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	EventReplySent      = "auto_reply.sent"
	EventReplyAbandoned = "auto_reply.abandoned"
)

// Event is what the UI receives on the stream for auto-reply activity.
type Event struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	ThreadID  string    `json:"threadId,omitempty"`
	To        string    `json:"to,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Hub fans payloads out to the streams opened by an account.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(account string) (chan []byte, func()) {
	account = normalize(account)
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[account]; !ok {
		h.subs[account] = make(map[chan []byte]struct{})
	}
	h.subs[account][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[account]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, account)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish encodes ev and sends it to every stream of account. Slow
// subscribers miss events rather than block the publisher.
func (h *Hub) Publish(account string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.Broadcast([]string{account}, payload)
}

func (h *Hub) Broadcast(accounts []string, payload []byte) {
	if len(accounts) == 0 {
		return
	}
	unique := map[string]struct{}{}
	for _, account := range accounts {
		account = normalize(account)
		if account == "" {
			continue
		}
		unique[account] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for account := range unique {
		for ch := range h.subs[account] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
