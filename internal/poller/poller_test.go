package poller

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"

	"github.io/infrasutra/replydesk/internal/mailbox"
	"github.io/infrasutra/replydesk/internal/mailbox/mailboxtest"
	"github.io/infrasutra/replydesk/internal/oauth"
	"github.io/infrasutra/replydesk/internal/responder"
	"github.io/infrasutra/replydesk/internal/sse"
	"github.io/infrasutra/replydesk/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeResponder struct {
	mu       sync.Mutex
	requests []responder.Request
	err      error
}

func (f *fakeResponder) Generate(_ context.Context, req responder.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "Thanks for reaching out, we will get back to you shortly.", nil
}

func (f *fakeResponder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	fake      *mailboxtest.Server
	gateway   *mailbox.Gateway
	store     *store.Store
	responder *fakeResponder
}

func newHarness(t *testing.T, dsn string) *harness {
	t.Helper()
	ctx := context.Background()
	fake := mailboxtest.NewServer(t)
	gateway, err := mailbox.New(ctx, fake.Client(), nil, fake.Options()...)
	require.NoError(t, err)
	return &harness{
		fake:      fake,
		gateway:   gateway,
		store:     openStore(t, dsn),
		responder: &fakeResponder{},
	}
}

func openStore(t *testing.T, dsn string) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func (h *harness) poller(cfg Config, records Records) *Poller {
	if records == nil {
		records = h.store
	}
	return New(cfg, h.gateway, h.responder, records, nil, nil, nil)
}

func cycleAt(t *testing.T, p *Poller, at time.Time) {
	t.Helper()
	p.now = func() time.Time { return at }
	require.NoError(t, p.Cycle(context.Background()))
}

func TestCycleWaitsForThresholdAndRepliesOnce(t *testing.T) {
	h := newHarness(t, "")
	h.fake.AddText("m1", "t1", "Alice <alice@example.com>", "Pricing question", "How much is the pro plan?", t0)
	p := h.poller(Config{Threshold: 2 * time.Minute}, nil)

	cycleAt(t, p, t0.Add(90*time.Second))
	assert.Empty(t, h.fake.Sent())
	assert.Zero(t, h.responder.calls())

	cycleAt(t, p, t0.Add(130*time.Second))
	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"alice@example.com"}, sent[0].To)
	assert.Equal(t, "Re: Pricing question", sent[0].Subject)
	assert.Equal(t, "t1", sent[0].ThreadID)
	assert.Equal(t, "<m1@mail.example.com>", sent[0].Header.Get("In-Reply-To"))

	cycleAt(t, p, t0.Add(300*time.Second))
	assert.Len(t, h.fake.Sent(), 1)
	assert.Equal(t, 1, h.responder.calls())

	record, err := h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReplied, record.Status)
	assert.Equal(t, sent[0].ID, record.ReplyMessageID)
}

func TestRestartDoesNotReplyTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replydesk.db")
	h := newHarness(t, path)
	h.fake.AddText("m1", "t1", "alice@example.com", "Hello", "Are you open on Sunday?", t0)

	first := h.poller(Config{Threshold: 2 * time.Minute}, nil)
	cycleAt(t, first, t0.Add(130*time.Second))
	require.Len(t, h.fake.Sent(), 1)
	require.NoError(t, h.store.Close())

	restarted := h.poller(Config{Threshold: 2 * time.Minute}, openStore(t, path))
	cycleAt(t, restarted, t0.Add(300*time.Second))
	assert.Len(t, h.fake.Sent(), 1)
}

func TestKnowledgeContextPassedToResponder(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	for i, content := range []string{"Hours: 9-5", "Refunds: 30 days", "Support: support@example.com", "Unused"} {
		_, err := h.store.AddKnowledge(ctx, store.KnowledgeEntry{
			Content:   content,
			Source:    store.SourceText,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	h.fake.AddText("m1", "t1", "alice@example.com", "Re: Refund", "Can I get my money back?", t0)
	h.fake.AddText("m2", "t2", "bob@example.com", "Hours", "When are you open?", t0)

	cycleAt(t, h.poller(Config{}, nil), t0.Add(5*time.Minute))

	require.Equal(t, 2, h.responder.calls())
	bodies := make([]string, 0, 2)
	for _, req := range h.responder.requests {
		assert.Equal(t, "Hours: 9-5\nRefunds: 30 days\nSupport: support@example.com", req.KnowledgeContext)
		bodies = append(bodies, req.Body)
	}
	assert.ElementsMatch(t, []string{"Can I get my money back?", "When are you open?"}, bodies)

	subjects := []string{h.fake.Sent()[0].Subject, h.fake.Sent()[1].Subject}
	assert.ElementsMatch(t, []string{"Re: Refund", "Re: Hours"}, subjects)
}

func TestSendFailureBacksOffThenRetries(t *testing.T) {
	h := newHarness(t, "")
	h.fake.AddText("m1", "t1", "alice@example.com", "Hello", "Question", t0)
	p := h.poller(Config{Threshold: 2 * time.Minute}, nil)
	first := t0.Add(130 * time.Second)

	h.fake.FailSend(500)
	cycleAt(t, p, first)
	assert.Equal(t, 1, h.fake.Calls("send"))

	record, err := h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSeen, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.Contains(t, record.LastError, "500")
	assert.WithinDuration(t, first.Add(time.Minute), record.NextAttemptAt, 7*time.Second)

	h.fake.FailSend(0)
	cycleAt(t, p, first.Add(30*time.Second))
	assert.Equal(t, 1, h.fake.Calls("send"), "backoff window still open")

	cycleAt(t, p, first.Add(2*time.Minute))
	assert.Equal(t, 2, h.fake.Calls("send"))
	require.Len(t, h.fake.Sent(), 1)

	record, err = h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReplied, record.Status)
}

func TestAbandonsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, "")
	h.fake.AddText("m1", "t1", "alice@example.com", "Hello", "Question", t0)
	h.responder.err = &responder.UpstreamError{StatusCode: 503, Err: errors.New("overloaded")}
	p := h.poller(Config{Threshold: time.Minute, MaxAttempts: 2}, nil)

	cycleAt(t, p, t0.Add(2*time.Minute))
	cycleAt(t, p, t0.Add(12*time.Minute))
	cycleAt(t, p, t0.Add(40*time.Minute))

	assert.Equal(t, 2, h.responder.calls())
	assert.Empty(t, h.fake.Sent())
	record, err := h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAbandoned, record.Status)
	assert.Equal(t, 2, record.Attempts)
}

type readOnGet struct {
	*mailbox.Gateway
}

func (r readOnGet) Get(ctx context.Context, id string) (mailbox.Message, error) {
	msg, err := r.Gateway.Get(ctx, id)
	msg.IsUnread = false
	return msg, err
}

func TestSkipsMessageReadBeforeReply(t *testing.T) {
	h := newHarness(t, "")
	h.fake.AddText("m1", "t1", "alice@example.com", "Hello", "Question", t0)
	p := New(Config{}, readOnGet{h.gateway}, h.responder, h.store, nil, nil, nil)

	cycleAt(t, p, t0.Add(10*time.Minute))

	assert.Empty(t, h.fake.Sent())
	assert.Zero(t, h.responder.calls())
	record, err := h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSeen, record.Status)
}

func TestSkipsThreadAlreadyAnswered(t *testing.T) {
	h := newHarness(t, "")
	h.fake.AddText("m1", "t1", "alice@example.com", "Hello", "Question", t0)
	h.fake.Add(&gmail.Message{
		Id:           "manual",
		ThreadId:     "t1",
		LabelIds:     []string{"SENT"},
		InternalDate: t0.Add(time.Minute).UnixMilli(),
	})

	cycleAt(t, h.poller(Config{}, nil), t0.Add(10*time.Minute))

	assert.Empty(t, h.fake.Sent())
	assert.Zero(t, h.responder.calls())
	record, err := h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReplied, record.Status)
}

func TestUnreadableBodyIsAbandoned(t *testing.T) {
	h := newHarness(t, "")
	h.fake.Add(&gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: t0.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "alice@example.com"},
				{Name: "Subject", Value: "Newsletter"},
			},
			Parts: []*gmail.MessagePart{{
				MimeType: "text/html",
				Body:     &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("<p>hi</p>"))},
			}},
		},
	})

	hub := sse.NewHub()
	events, unsubscribe := hub.Subscribe("me@example.com")
	defer unsubscribe()
	p := New(Config{}, h.gateway, h.responder, h.store, hub, func() string { return "me@example.com" }, nil)
	cycleAt(t, p, t0.Add(10*time.Minute))

	assert.Zero(t, h.responder.calls())
	record, err := h.store.GetAutoReply(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAbandoned, record.Status)
	assert.Len(t, events, 1)
}

func TestListFailureIsReported(t *testing.T) {
	h := newHarness(t, "")
	h.fake.FailList(500)
	p := h.poller(Config{}, nil)
	p.now = func() time.Time { return t0 }

	err := p.Cycle(context.Background())
	var gatewayErr *mailbox.GatewayError
	assert.ErrorAs(t, err, &gatewayErr)
}

type scriptedMailbox struct {
	Mailbox
	lists atomic.Int32
	err   error
}

func (s *scriptedMailbox) ListUnread(context.Context, int) ([]mailbox.Message, error) {
	if s.lists.Add(1) == 1 {
		panic("boom")
	}
	return nil, s.err
}

func TestRunSurvivesPanicsAndStopsOnCancel(t *testing.T) {
	mail := &scriptedMailbox{err: oauth.ErrReauthRequired}
	p := New(Config{Interval: 5 * time.Millisecond}, mail, &fakeResponder{}, openStore(t, ""), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return mail.lists.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestBackoff(t *testing.T) {
	within := func(d, want time.Duration) bool {
		return d >= want*9/10 && d <= want*11/10
	}
	assert.True(t, within(Backoff(0), time.Minute))
	assert.True(t, within(Backoff(1), 2*time.Minute))
	assert.True(t, within(Backoff(3), 8*time.Minute))
	assert.True(t, within(Backoff(10), 30*time.Minute))
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", ReplySubject("Hello"))
	assert.Equal(t, "Re: Hello", ReplySubject("Re: Hello"))
	assert.Equal(t, "RE: Hello", ReplySubject("RE: Hello"))
	assert.Equal(t, "Re: ", ReplySubject(""))
}
