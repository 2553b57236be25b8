// Package responder turns an incoming mail into a short generated reply
// using an OpenAI-compatible chat completion endpoint.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	systemPrompt = "You are an AI email assistant. Generate professional and contextually appropriate email responses."

	replyMaxTokens   = 300
	composeMaxTokens = 1000
	temperature      = 0.7

	// MaxContextEntries is how many knowledge base entries go into a prompt.
	MaxContextEntries = 3

	noKnowledge = "No knowledge base entries found."
)

var ErrNoCompletion = errors.New("completion returned no choices")

// UpstreamError is a failed call to the completion endpoint. StatusCode is
// zero when the request never got an HTTP response.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion endpoint returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion request failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Request is the mail being answered and the knowledge to ground the reply in.
type Request struct {
	Subject          string
	Body             string
	KnowledgeContext string
}

type Client struct {
	api    openai.Client
	model  string
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{
		api:    openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger,
	}
}

// Generate writes a brief automatic reply. It makes exactly one request.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	return c.complete(ctx, replyPrompt(req), replyMaxTokens)
}

// Compose drafts a free-form professional email from a short instruction.
func (c *Client) Compose(ctx context.Context, instruction string) (string, error) {
	return c.complete(ctx, "Generate a professional email response for: "+instruction, composeMaxTokens)
}

func (c *Client) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	started := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxTokens),
		TopP:        openai.Float(1),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &UpstreamError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", &UpstreamError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoCompletion
	}

	c.logger.Debug("completion generated",
		"model", resp.Model,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(started),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func replyPrompt(req Request) string {
	knowledge := strings.TrimSpace(req.KnowledgeContext)
	if knowledge == "" {
		knowledge = noKnowledge
	}

	var b strings.Builder
	b.WriteString("You are an AI email assistant. Generate a brief, professional response to this email using the company's knowledge base information.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n\n", req.Subject)
	fmt.Fprintf(&b, "Email Content:\n%s\n\n", req.Body)
	fmt.Fprintf(&b, "Company Knowledge Base Context:\n%s\n\n", knowledge)
	b.WriteString("Generate a response that is:\n")
	b.WriteString("1. Brief and to the point (2-3 sentences maximum)\n")
	b.WriteString("2. Aligned with the company's knowledge base information\n")
	b.WriteString("3. Professional and courteous\n")
	b.WriteString("4. Generic enough to be an automatic reply\n\n")
	b.WriteString("Response:")
	return b.String()
}

// KnowledgeContext joins the content of the first MaxContextEntries entries
// in the order given. Entries are not ranked.
func KnowledgeContext(contents []string) string {
	if len(contents) > MaxContextEntries {
		contents = contents[:MaxContextEntries]
	}
	return strings.Join(contents, "\n")
}
