// Package poller answers unread mail automatically. Each cycle lists unread
// inbox messages, waits until a message has been left alone for a while and
// then sends one generated reply per message, recording the outcome so the
// same message is never answered twice, not even across restarts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.io/infrasutra/replydesk/internal/mailbox"
	"github.io/infrasutra/replydesk/internal/metrics"
	"github.io/infrasutra/replydesk/internal/oauth"
	"github.io/infrasutra/replydesk/internal/responder"
	"github.io/infrasutra/replydesk/internal/sse"
	"github.io/infrasutra/replydesk/internal/store"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultThreshold   = 2 * time.Minute
	DefaultMaxResults  = 10
	DefaultMaxAttempts = 5
	DefaultTimeout     = 30 * time.Second

	backoffBase       = time.Minute
	backoffMultiplier = 2.0
	backoffMax        = 30 * time.Minute
)

type Mailbox interface {
	ListUnread(ctx context.Context, maxResults int) ([]mailbox.Message, error)
	Get(ctx context.Context, id string) (mailbox.Message, error)
	ThreadReplied(ctx context.Context, threadID string, since time.Time) (bool, error)
	Send(ctx context.Context, msg mailbox.Outgoing) (mailbox.Sent, error)
}

type Responder interface {
	Generate(ctx context.Context, req responder.Request) (string, error)
}

// Records is the durable side of the poller. *store.Store implements it.
type Records interface {
	TouchAutoReply(ctx context.Context, messageID, threadID string, now time.Time) (store.AutoReply, error)
	MarkReplied(ctx context.Context, messageID, threadID, replyID string, now time.Time) error
	RecordReplyFailure(ctx context.Context, messageID, reason string, maxAttempts int, next time.Time) (store.AutoReply, error)
	MarkAbandoned(ctx context.Context, messageID, reason string) error
	FirstKnowledge(ctx context.Context, n int) ([]store.KnowledgeEntry, error)
}

type Config struct {
	Interval    time.Duration
	Threshold   time.Duration
	MaxResults  int
	MaxAttempts int
	// Timeout bounds each call to the mail and completion providers.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Threshold < 0 {
		c.Threshold = 0
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

type Poller struct {
	cfg       Config
	mail      Mailbox
	responder Responder
	records   Records
	hub       *sse.Hub
	account   func() string
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a Poller. hub and account are optional; without them nothing
// is published.
func New(cfg Config, mail Mailbox, resp Responder, records Records, hub *sse.Hub, account func() string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if account == nil {
		account = func() string { return "" }
	}
	return &Poller{
		cfg:       cfg.withDefaults(),
		mail:      mail,
		responder: resp,
		records:   records,
		hub:       hub,
		account:   account,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled, starting with an immediate cycle.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("auto-reply poller started", "interval", p.cfg.Interval, "threshold", p.cfg.Threshold)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.safeCycle(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("auto-reply poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) safeCycle(ctx context.Context) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("auto-reply cycle panicked", "panic", r)
		}
		metrics.RecordPollCycle(err, time.Since(start))
	}()

	err = p.Cycle(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, oauth.ErrReauthRequired):
		p.logger.Warn("auto-reply paused until the account is reconnected")
	default:
		p.logger.Error("auto-reply cycle failed", "error", err)
	}
}

// Cycle runs a single pass over the unread inbox.
func (p *Poller) Cycle(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	messages, err := p.mail.ListUnread(listCtx, p.cfg.MaxResults)
	cancel()
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}

	kc := &knowledgeCache{records: p.records}
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.handle(ctx, msg, kc); err != nil {
			if errors.Is(err, oauth.ErrReauthRequired) {
				return err
			}
			p.logger.Error("auto-reply failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

func (p *Poller) handle(ctx context.Context, msg mailbox.Message, kc *knowledgeCache) error {
	now := p.now()
	record, err := p.records.TouchAutoReply(ctx, msg.ID, msg.ThreadID, now)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if record.Terminal() {
		return nil
	}
	if now.Sub(msg.ReceivedAt) < p.cfg.Threshold {
		p.logger.Debug("message too recent to answer", "message_id", msg.ID, "age", now.Sub(msg.ReceivedAt))
		return nil
	}
	if !record.NextAttemptAt.IsZero() && now.Before(record.NextAttemptAt) {
		return nil
	}

	body, err := msg.Text()
	if err != nil {
		return p.abandon(ctx, msg, err.Error())
	}

	fresh, err := p.get(ctx, msg.ID)
	if err != nil {
		return p.fail(ctx, record, msg, err)
	}
	if !fresh.IsUnread {
		p.logger.Debug("message read before reply", "message_id", msg.ID)
		return nil
	}

	replied, err := p.threadReplied(ctx, msg)
	if err != nil {
		return p.fail(ctx, record, msg, err)
	}
	if replied {
		p.logger.Info("thread already answered", "message_id", msg.ID, "thread_id", msg.ThreadID)
		return p.records.MarkReplied(ctx, msg.ID, msg.ThreadID, "", now)
	}

	knowledge, err := kc.context(ctx)
	if err != nil {
		return p.fail(ctx, record, msg, err)
	}

	reply, err := p.generate(ctx, responder.Request{
		Subject:          msg.Subject,
		Body:             body,
		KnowledgeContext: knowledge,
	})
	if err != nil {
		return p.fail(ctx, record, msg, err)
	}

	to := msg.ReplyAddress()
	sent, err := p.send(ctx, mailbox.Outgoing{
		To:        []string{to},
		Subject:   ReplySubject(msg.Subject),
		Body:      reply,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.MessageIDHeader,
	})
	if err != nil {
		return p.fail(ctx, record, msg, err)
	}

	if err := p.records.MarkReplied(ctx, msg.ID, msg.ThreadID, sent.ID, p.now()); err != nil {
		// The reply is out; a lost marker would cause a second one.
		p.logger.Error("reply sent but not recorded", "message_id", msg.ID, "reply_id", sent.ID, "error", err)
		return err
	}

	metrics.RecordAutoReply("sent")
	p.logger.Info("auto-reply sent", "message_id", msg.ID, "thread_id", msg.ThreadID, "reply_id", sent.ID)
	p.publish(sse.Event{
		Type:      sse.EventReplySent,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		To:        to,
		Subject:   msg.Subject,
		At:        p.now(),
	})
	return nil
}

func (p *Poller) get(ctx context.Context, id string) (mailbox.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return p.mail.Get(ctx, id)
}

func (p *Poller) threadReplied(ctx context.Context, msg mailbox.Message) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return p.mail.ThreadReplied(ctx, msg.ThreadID, msg.ReceivedAt)
}

func (p *Poller) generate(ctx context.Context, req responder.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	start := time.Now()
	reply, err := p.responder.Generate(ctx, req)
	metrics.RecordUpstream("completion", err, time.Since(start))
	return reply, err
}

func (p *Poller) send(ctx context.Context, out mailbox.Outgoing) (mailbox.Sent, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	start := time.Now()
	sent, err := p.mail.Send(ctx, out)
	metrics.RecordUpstream("gmail", err, time.Since(start))
	return sent, err
}

// fail records a failed attempt and schedules the next one. Losing the
// authorization is not the message's fault and is not counted.
func (p *Poller) fail(ctx context.Context, record store.AutoReply, msg mailbox.Message, cause error) error {
	if errors.Is(cause, oauth.ErrReauthRequired) {
		return cause
	}

	next := p.now().Add(Backoff(record.Attempts))
	updated, err := p.records.RecordReplyFailure(ctx, msg.ID, cause.Error(), p.cfg.MaxAttempts, next)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}

	if updated.Status == store.StatusAbandoned {
		metrics.RecordAutoReply("abandoned")
		p.logger.Warn("auto-reply abandoned", "message_id", msg.ID, "attempts", updated.Attempts, "error", cause)
		p.publish(sse.Event{
			Type:      sse.EventReplyAbandoned,
			MessageID: msg.ID,
			ThreadID:  msg.ThreadID,
			Subject:   msg.Subject,
			Reason:    cause.Error(),
			At:        p.now(),
		})
		return nil
	}

	metrics.RecordAutoReply("failed")
	p.logger.Warn("auto-reply attempt failed",
		"message_id", msg.ID,
		"attempts", updated.Attempts,
		"next_attempt_at", updated.NextAttemptAt,
		"error", cause,
	)
	return nil
}

func (p *Poller) abandon(ctx context.Context, msg mailbox.Message, reason string) error {
	if err := p.records.MarkAbandoned(ctx, msg.ID, reason); err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	metrics.RecordAutoReply("abandoned")
	p.logger.Warn("message cannot be answered", "message_id", msg.ID, "reason", reason)
	p.publish(sse.Event{
		Type:      sse.EventReplyAbandoned,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Subject:   msg.Subject,
		Reason:    reason,
		At:        p.now(),
	})
	return nil
}

func (p *Poller) publish(ev sse.Event) {
	if p.hub == nil {
		return
	}
	if account := p.account(); account != "" {
		p.hub.Publish(account, ev)
	}
}

// Backoff is the wait after the given number of earlier failed attempts:
// one minute doubling up to thirty, with ten percent jitter either way.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(backoffBase) * math.Pow(backoffMultiplier, float64(attempts))
	if delay > float64(backoffMax) {
		delay = float64(backoffMax)
	}
	jitter := (rand.Float64() - 0.5) * 2 * delay * 0.1
	delay += jitter
	if delay < 0 {
		delay = float64(backoffBase)
	}
	return time.Duration(delay)
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// knowledgeCache loads the knowledge context at most once per cycle.
type knowledgeCache struct {
	records Records
	loaded  bool
	text    string
}

func (k *knowledgeCache) context(ctx context.Context) (string, error) {
	if k.loaded {
		return k.text, nil
	}
	entries, err := k.records.FirstKnowledge(ctx, responder.MaxContextEntries)
	if err != nil {
		return "", fmt.Errorf("load knowledge: %w", err)
	}
	contents := make([]string, 0, len(entries))
	for _, entry := range entries {
		contents = append(contents, entry.Content)
	}
	k.text = responder.KnowledgeContext(contents)
	k.loaded = true
	return k.text, nil
}
