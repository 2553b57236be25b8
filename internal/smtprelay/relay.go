// Package smtprelay submits composed mail through a plain SMTP submission
// server instead of the Gmail API.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.io/infrasutra/replydesk/internal/mailbox"
)

// ErrInsecureAuth is returned when credentials would cross the network
// unencrypted.
var ErrInsecureAuth = errors.New("refusing to authenticate over an unencrypted connection")

type Config struct {
	Addr        string
	Username    string
	Password    string
	From        string
	ImplicitTLS bool
	// StartTLS upgrades a plain connection before authenticating. Ignored
	// with ImplicitTLS.
	StartTLS  bool
	TLSConfig *tls.Config
	Timeout   time.Duration
	LocalName string
}

type Relay struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, logger: logger, now: time.Now}
}

// Send delivers msg to every recipient the server accepts. Recipients the
// server refuses are listed in Sent.Rejected; if it refuses all of them the
// send fails.
func (r *Relay) Send(ctx context.Context, msg mailbox.Outgoing) (mailbox.Sent, error) {
	if strings.TrimSpace(msg.From) == "" {
		msg.From = r.cfg.From
	}
	if strings.TrimSpace(msg.From) == "" {
		err := errors.New("no sender address configured")
		return mailbox.Sent{}, &mailbox.SendError{Detail: err.Error(), Err: err}
	}

	raw, err := mailbox.BuildMIME(msg, r.now())
	if err != nil {
		return mailbox.Sent{}, &mailbox.SendError{Detail: err.Error(), Err: err}
	}
	recipients, err := mailbox.ParseRecipients(msg.To)
	if err != nil {
		return mailbox.Sent{}, &mailbox.SendError{Detail: err.Error(), Err: err}
	}
	from, err := mailbox.ParseRecipients([]string{msg.From})
	if err != nil {
		return mailbox.Sent{}, &mailbox.SendError{Detail: "invalid sender", Err: err}
	}

	client, err := r.dial(ctx)
	if err != nil {
		return mailbox.Sent{}, &mailbox.SendError{Detail: err.Error(), Err: err}
	}
	defer client.Close()

	if r.cfg.Username != "" {
		if err := r.checkAuthTransport(client); err != nil {
			return mailbox.Sent{}, sendError("auth", err)
		}
		auth := sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return mailbox.Sent{}, sendError("auth", err)
		}
	}

	if err := client.Mail(from[0].Address, nil); err != nil {
		return mailbox.Sent{}, sendError("MAIL FROM", err)
	}

	var accepted, rejected []string
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt.Address, nil); err != nil {
			var smtpErr *smtp.SMTPError
			if !errors.As(err, &smtpErr) {
				return mailbox.Sent{}, sendError("RCPT TO", err)
			}
			r.logger.Warn("recipient rejected", "recipient", rcpt.Address, "code", smtpErr.Code, "message", smtpErr.Message)
			rejected = append(rejected, rcpt.Address)
			continue
		}
		accepted = append(accepted, rcpt.Address)
	}
	if len(accepted) == 0 {
		return mailbox.Sent{}, &mailbox.SendError{
			Detail:   "all recipients rejected",
			Rejected: rejected,
			Err:      errors.New("all recipients rejected"),
		}
	}

	w, err := client.Data()
	if err != nil {
		return mailbox.Sent{}, sendError("DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return mailbox.Sent{}, sendError("DATA", err)
	}
	if err := w.Close(); err != nil {
		return mailbox.Sent{}, sendError("DATA", err)
	}
	if err := client.Quit(); err != nil {
		r.logger.Debug("smtp quit", "error", err)
	}

	return mailbox.Sent{ID: uuid.NewString(), Rejected: rejected}, nil
}

func (r *Relay) dial(ctx context.Context) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.cfg.Addr, err)
	}
	// The deadline covers the whole SMTP conversation, not just the dial.
	_ = conn.SetDeadline(time.Now().Add(r.cfg.Timeout))

	tlsConfig := r.tlsConfig()
	var client *smtp.Client
	switch {
	case r.cfg.ImplicitTLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		client = smtp.NewClient(tlsConn)
	case r.cfg.StartTLS:
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
	default:
		client = smtp.NewClient(conn)
	}

	if err := client.Hello(r.cfg.LocalName); err != nil {
		client.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	return client, nil
}

// checkAuthTransport refuses to hand credentials to a server over a
// cleartext connection unless the server is on this host.
func (r *Relay) checkAuthTransport(client *smtp.Client) error {
	if _, ok := client.TLSConnectionState(); ok {
		return nil
	}
	if isLoopback(r.cfg.Addr) {
		return nil
	}
	return ErrInsecureAuth
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (r *Relay) tlsConfig() *tls.Config {
	if r.cfg.TLSConfig != nil {
		return r.cfg.TLSConfig.Clone()
	}
	host, _, err := net.SplitHostPort(r.cfg.Addr)
	if err != nil {
		host = r.cfg.Addr
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func sendError(stage string, err error) error {
	return &mailbox.SendError{Detail: fmt.Sprintf("%s: %v", stage, err), Err: err}
}
