package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("REPLY_THRESHOLD", "")
	t.Setenv("GMAIL_SCOPES", "")

	cfg := Load()
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.ReplyThreshold)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, DefaultScopes, cfg.Scopes)
	assert.Equal(t, DefaultGroqModel, cfg.GroqModel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "15s")
	t.Setenv("REPLY_THRESHOLD", "5m")
	t.Setenv("AUTO_REPLY_ENABLED", "false")
	t.Setenv("GMAIL_SCOPES", "a, b")
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("SMTP_IMPLICIT_TLS", "false")
	t.Setenv("SMTP_STARTTLS", "true")

	cfg := Load()
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReplyThreshold)
	assert.False(t, cfg.AutoReplyEnabled)
	assert.Equal(t, []string{"a", "b"}, cfg.Scopes)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.False(t, cfg.SMTPImplicitTLS)
	assert.True(t, cfg.SMTPStartTLS)
}

func TestMissing(t *testing.T) {
	cfg := Config{GoogleClientID: "id", RedirectURI: "http://localhost/cb"}
	assert.Equal(t, []string{"GOOGLE_CLIENT_SECRET", "GROQ_API_KEY"}, cfg.Missing())
}
