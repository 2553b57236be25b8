// Package mailbox talks to the Gmail REST API on behalf of the connected
// account: listing unread mail, reading single messages and sending.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const me = "me"

// Message is a mail read from the provider. It is not cached anywhere.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	IsUnread   bool      `json:"isUnread"`
	Labels     []string  `json:"labels,omitempty"`
	// MessageIDHeader is the RFC 5322 Message-ID used to thread replies.
	MessageIDHeader string `json:"-"`

	bodyErr error
}

// Text returns the plaintext body, or the reason it could not be read.
func (m Message) Text() (string, error) {
	if m.bodyErr != nil {
		return "", m.bodyErr
	}
	return m.Body, nil
}

// ReplyAddress is the bare address of the sender.
func (m Message) ReplyAddress() string {
	addr, err := mail.ParseAddress(m.Sender)
	if err != nil {
		return strings.TrimSpace(m.Sender)
	}
	return addr.Address
}

// Gateway wraps the Gmail service for the single connected account.
type Gateway struct {
	svc    *gmail.Service
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Gateway on top of an authorizing client, usually the one
// returned by the token refresher. Extra options are for pointing it at a
// different endpoint.
func New(ctx context.Context, client *http.Client, logger *slog.Logger, opts ...option.ClientOption) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Gateway{svc: svc, logger: logger, now: time.Now}, nil
}

// ListUnread returns up to maxResults unread inbox messages in provider order.
func (g *Gateway) ListUnread(ctx context.Context, maxResults int) ([]Message, error) {
	call := g.svc.Users.Messages.List(me).LabelIds("INBOX", "UNREAD").Context(ctx)
	if maxResults > 0 {
		call = call.MaxResults(int64(maxResults))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, &GatewayError{Op: "list", Err: err}
	}

	messages := make([]Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		msg, err := g.svc.Users.Messages.Get(me, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				g.logger.Debug("message vanished while listing", "message_id", ref.Id)
				continue
			}
			return nil, &GatewayError{Op: "get " + ref.Id, Err: err}
		}
		messages = append(messages, convertMessage(msg))
	}
	return messages, nil
}

// Get fetches a single message with its full payload.
func (g *Gateway) Get(ctx context.Context, id string) (Message, error) {
	msg, err := g.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			err = fmt.Errorf("%w: %w", ErrMessageNotFound, err)
		}
		return Message{}, &GatewayError{Op: "get " + id, Err: err}
	}
	return convertMessage(msg), nil
}

// ThreadReplied reports whether the account has sent anything in the thread
// at or after since.
func (g *Gateway) ThreadReplied(ctx context.Context, threadID string, since time.Time) (bool, error) {
	thread, err := g.svc.Users.Threads.Get(me, threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return false, &GatewayError{Op: "thread " + threadID, Err: err}
	}
	for _, msg := range thread.Messages {
		if !slices.Contains(msg.LabelIds, "SENT") {
			continue
		}
		if !time.UnixMilli(msg.InternalDate).Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// Profile returns the address of the connected account.
func (g *Gateway) Profile(ctx context.Context) (string, error) {
	profile, err := g.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return "", &GatewayError{Op: "profile", Err: err}
	}
	return profile.EmailAddress, nil
}

// Send submits msg through the provider. With a ThreadID the provider files
// it under that conversation.
func (g *Gateway) Send(ctx context.Context, msg Outgoing) (Sent, error) {
	raw, err := BuildMIME(msg, g.now())
	if err != nil {
		return Sent{}, &SendError{Detail: err.Error(), Err: err}
	}

	req := &gmail.Message{Raw: EncodeRaw(raw), ThreadId: msg.ThreadID}
	resp, err := g.svc.Users.Messages.Send(me, req).Context(ctx).Do()
	if err != nil {
		return Sent{}, &SendError{Detail: providerDetail(err), Err: err}
	}
	return Sent{ID: resp.Id, ThreadID: resp.ThreadId, Labels: resp.LabelIds}, nil
}

func convertMessage(msg *gmail.Message) Message {
	out := Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		IsUnread:   slices.Contains(msg.LabelIds, "UNREAD"),
		Labels:     msg.LabelIds,
	}
	if msg.Payload != nil {
		out.Subject = header(msg.Payload.Headers, "Subject")
		out.Sender = header(msg.Payload.Headers, "From")
		out.MessageIDHeader = header(msg.Payload.Headers, "Message-ID")
	}
	out.Body, out.bodyErr = ExtractBody(msg.Payload)
	return out
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
