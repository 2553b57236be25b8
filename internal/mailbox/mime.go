package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing is a plaintext message to submit.
type Outgoing struct {
	From    string
	To      []string
	Subject string
	Body    string
	// ThreadID files the message under an existing conversation.
	ThreadID string
	// InReplyTo is the Message-ID header of the message being answered.
	InReplyTo string
}

// Sent is what the provider reported for an accepted submission.
type Sent struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
}

// ParseRecipients validates and normalizes a recipient list.
func ParseRecipients(recipients []string) ([]*mail.Address, error) {
	seen := map[string]struct{}{}
	var result []*mail.Address
	for _, recipient := range recipients {
		trimmed := sanitizeHeader(recipient)
		if trimmed == "" {
			continue
		}
		addr, err := mail.ParseAddress(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", trimmed, err)
		}
		key := strings.ToLower(addr.Address)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, addr)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	return result, nil
}

// BuildMIME renders msg as a single-part text/plain RFC 5322 message.
func BuildMIME(msg Outgoing, now time.Time) ([]byte, error) {
	to, err := ParseRecipients(msg.To)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	if from := sanitizeHeader(msg.From); from != "" {
		addr, err := mail.ParseAddress(from)
		if err != nil {
			return nil, fmt.Errorf("invalid sender %q: %w", from, err)
		}
		h.SetAddressList("From", []*mail.Address{addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(sanitizeHeader(msg.Subject))
	if ref := sanitizeHeader(msg.InReplyTo); ref != "" {
		h.Set("In-Reply-To", ref)
		h.Set("References", ref)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeRaw is the transport encoding the provider expects for the raw field.
func EncodeRaw(mime []byte) string {
	return base64.RawURLEncoding.EncodeToString(mime)
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
