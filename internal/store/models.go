package store

import "time"

type KnowledgeSource string

const (
	SourceText    KnowledgeSource = "text_input"
	SourceFile    KnowledgeSource = "file_upload"
	SourceWebsite KnowledgeSource = "website"
)

func (s KnowledgeSource) Valid() bool {
	switch s {
	case SourceText, SourceFile, SourceWebsite:
		return true
	default:
		return false
	}
}

type KnowledgeEntry struct {
	ID      string          `json:"id"`
	Content string          `json:"content"`
	Source  KnowledgeSource `json:"source"`
	// Origin is the uploaded file name or fetched URL.
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TemplatePatch holds the fields to change; nil fields are left alone.
type TemplatePatch struct {
	Name    *string   `json:"name"`
	Subject *string   `json:"subject"`
	Body    *string   `json:"body"`
	Tags    *[]string `json:"tags"`
}

type ReplyStatus string

const (
	StatusSeen      ReplyStatus = "seen"
	StatusReplied   ReplyStatus = "replied"
	StatusAbandoned ReplyStatus = "abandoned"
)

// AutoReply is the durable per-message marker that keeps the poller from
// answering the same message twice.
type AutoReply struct {
	MessageID      string      `json:"messageId"`
	ThreadID       string      `json:"threadId"`
	Status         ReplyStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"lastError,omitempty"`
	FirstSeenAt    time.Time   `json:"firstSeenAt"`
	NextAttemptAt  time.Time   `json:"nextAttemptAt,omitempty"`
	RepliedAt      time.Time   `json:"repliedAt,omitempty"`
	ReplyMessageID string      `json:"replyMessageId,omitempty"`
}

// Terminal reports whether the poller is done with the message.
func (a AutoReply) Terminal() bool {
	return a.Status == StatusReplied || a.Status == StatusAbandoned
}
