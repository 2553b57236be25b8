package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGroqURL   = "https://api.groq.com/openai/v1/"
	DefaultGroqModel = "mixtral-8x7b-32768"
)

// DefaultScopes mirrors what the assistant needs to read, label and send mail.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/gmail.modify",
}

type Config struct {
	HTTPPort    int
	DatabaseURL string
	DBPath      string
	AuthSecret  string

	GoogleClientID     string
	GoogleClientSecret string
	RedirectURI        string
	GoogleAuthURI      string
	GoogleTokenURI     string
	Scopes             []string
	StateFile          string
	CredentialsFile    string

	GroqAPIKey string
	GroqURL    string
	GroqModel  string

	AutoReplyEnabled     bool
	PollInterval         time.Duration
	ReplyThreshold       time.Duration
	PollMaxResults       int
	AutoReplyMaxAttempts int
	UpstreamTimeout      time.Duration

	SMTPRelayAddr   string
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPImplicitTLS bool
	SMTPStartTLS    bool

	UploadMaxBytes int64
}

func Load() Config {
	return Config{
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		DatabaseURL: getEnvString("DATABASE_URL", ""),
		DBPath:      getEnvString("DB_PATH", "replydesk.db"),
		AuthSecret:  getEnvString("AUTH_SECRET", ""),

		GoogleClientID:     getEnvString("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnvString("GOOGLE_CLIENT_SECRET", ""),
		RedirectURI:        getEnvString("OAUTH_REDIRECT_URI", "http://localhost:8080/oauth2callback"),
		GoogleAuthURI:      getEnvString("GOOGLE_AUTH_URI", ""),
		GoogleTokenURI:     getEnvString("GOOGLE_TOKEN_URI", ""),
		Scopes:             getEnvList("GMAIL_SCOPES", DefaultScopes),
		StateFile:          getEnvString("OAUTH_STATE_FILE", "oauth_state.json"),
		CredentialsFile:    getEnvString("CREDENTIALS_FILE", "gmail_token.json"),

		GroqAPIKey: getEnvString("GROQ_API_KEY", ""),
		GroqURL:    getEnvString("GROQ_API_URL", DefaultGroqURL),
		GroqModel:  getEnvString("GROQ_MODEL", DefaultGroqModel),

		AutoReplyEnabled:     getEnvBool("AUTO_REPLY_ENABLED", true),
		PollInterval:         getEnvDuration("POLL_INTERVAL", time.Minute),
		ReplyThreshold:       getEnvDuration("REPLY_THRESHOLD", 2*time.Minute),
		PollMaxResults:       getEnvInt("POLL_MAX_RESULTS", 10),
		AutoReplyMaxAttempts: getEnvInt("AUTO_REPLY_MAX_ATTEMPTS", 5),
		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),

		SMTPRelayAddr:   getEnvString("SMTP_RELAY_ADDR", ""),
		SMTPUsername:    getEnvString("SMTP_USERNAME", ""),
		SMTPPassword:    getEnvString("SMTP_PASSWORD", ""),
		SMTPFrom:        getEnvString("SMTP_FROM", ""),
		SMTPImplicitTLS: getEnvBool("SMTP_IMPLICIT_TLS", true),
		SMTPStartTLS:    getEnvBool("SMTP_STARTTLS", false),

		UploadMaxBytes: int64(getEnvInt("UPLOAD_MAX_BYTES", 10<<20)),
	}
}

// Missing reports the secrets that have to come from the environment before
// the assistant can authorize and generate replies.
func (c Config) Missing() []string {
	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{"GOOGLE_CLIENT_ID", c.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", c.GoogleClientSecret},
		{"OAUTH_REDIRECT_URI", c.RedirectURI},
		{"GROQ_API_KEY", c.GroqAPIKey},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	return missing
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var items []string
	for _, item := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
		items = append(items, item)
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
