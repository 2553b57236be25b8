package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completionRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newCompletionServer(t *testing.T, status int, body string, seen chan<- completionRequest) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if seen != nil {
			seen <- req
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestClient(baseURL string) *Client {
	return New(Config{
		APIKey:  "test-key",
		BaseURL: baseURL + "/",
		Model:   "mixtral-8x7b-32768",
		Timeout: 5 * time.Second,
	}, nil)
}

const oneChoice = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1714560000,
  "model": "mixtral-8x7b-32768",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "  Thanks for your note. We will reply shortly.  "}}],
  "usage": {"prompt_tokens": 120, "completion_tokens": 12, "total_tokens": 132}
}`

func TestGenerateWithEmptyContext(t *testing.T) {
	seen := make(chan completionRequest, 1)
	srv, hits := newCompletionServer(t, http.StatusOK, oneChoice, seen)

	reply, err := newTestClient(srv.URL).Generate(context.Background(), Request{
		Subject: "Pricing",
		Body:    "How much does the pro plan cost?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Thanks for your note. We will reply shortly.", reply)
	assert.Equal(t, int32(1), hits.Load())

	req := <-seen
	assert.Equal(t, "mixtral-8x7b-32768", req.Model)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 300, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Contains(t, req.Messages[1].Content, "Subject: Pricing")
	assert.Contains(t, req.Messages[1].Content, "How much does the pro plan cost?")
	assert.Contains(t, req.Messages[1].Content, "No knowledge base entries found.")
}

func TestGenerateEmbedsKnowledge(t *testing.T) {
	seen := make(chan completionRequest, 1)
	srv, _ := newCompletionServer(t, http.StatusOK, oneChoice, seen)

	_, err := newTestClient(srv.URL).Generate(context.Background(), Request{
		Subject:          "Hours",
		Body:             "When are you open?",
		KnowledgeContext: KnowledgeContext([]string{"Open 9-5", "Closed Sundays", "Support: help@example.com", "ignored"}),
	})
	require.NoError(t, err)

	req := <-seen
	prompt := req.Messages[1].Content
	assert.Contains(t, prompt, "Open 9-5\nClosed Sundays\nSupport: help@example.com")
	assert.NotContains(t, prompt, "ignored")
	assert.NotContains(t, prompt, "No knowledge base entries found.")
}

func TestGenerateNoChoices(t *testing.T) {
	srv, _ := newCompletionServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)

	_, err := newTestClient(srv.URL).Generate(context.Background(), Request{Subject: "S", Body: "B"})
	assert.ErrorIs(t, err, ErrNoCompletion)
}

func TestGenerateUpstreamStatusIsNotRetried(t *testing.T) {
	srv, hits := newCompletionServer(t, http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`, nil)

	_, err := newTestClient(srv.URL).Generate(context.Background(), Request{Subject: "S", Body: "B"})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGenerateTransportFailure(t *testing.T) {
	srv, _ := newCompletionServer(t, http.StatusOK, oneChoice, nil)
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Generate(context.Background(), Request{Subject: "S", Body: "B"})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Zero(t, upstream.StatusCode)
}

func TestComposeUsesLargerBudget(t *testing.T) {
	seen := make(chan completionRequest, 1)
	srv, _ := newCompletionServer(t, http.StatusOK, oneChoice, seen)

	_, err := newTestClient(srv.URL).Compose(context.Background(), "decline the meeting politely")
	require.NoError(t, err)

	req := <-seen
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Contains(t, req.Messages[1].Content, "decline the meeting politely")
}

func TestKnowledgeContext(t *testing.T) {
	assert.Equal(t, "", KnowledgeContext(nil))
	assert.Equal(t, "a", KnowledgeContext([]string{"a"}))
	assert.Equal(t, "a\nb\nc", KnowledgeContext([]string{"a", "b", "c", "d"}))
}
