// Package relaytest runs an in-process SMTP submission server that records
// what it receives.
package relaytest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is one accepted DATA transaction.
type Message struct {
	From     string
	To       []string
	Subject  string
	TextBody string
	Raw      []byte
	// TLS reports whether the transaction ran over an encrypted connection.
	TLS bool
}

type Options struct {
	Username string
	Password string
	// Reject lists recipients answered with 550 at RCPT.
	Reject []string
	// StartTLS offers STARTTLS with a self-signed certificate and refuses
	// AUTH until the connection is upgraded.
	StartTLS bool
}

type Server struct {
	Addr string
	// ClientTLS trusts the server certificate when StartTLS is enabled.
	ClientTLS *tls.Config

	smtp *smtp.Server
	mu   sync.Mutex
	msgs []Message
}

func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{Addr: ln.Addr().String()}
	b := &backend{server: s, opts: opts, reject: map[string]struct{}{}}
	for _, addr := range opts.Reject {
		b.reject[normalizeEmail(addr)] = struct{}{}
	}

	srv := smtp.NewServer(b)
	srv.Domain = "relaytest"
	srv.AllowInsecureAuth = !opts.StartTLS
	if opts.StartTLS {
		serverTLS, clientTLS, err := selfSigned()
		if err != nil {
			t.Fatalf("certificate: %v", err)
		}
		srv.TLSConfig = serverTLS
		s.ClientTLS = clientTLS
	}
	srv.ReadTimeout = 15 * time.Second
	srv.WriteTimeout = 15 * time.Second
	srv.MaxRecipients = 100
	srv.MaxMessageBytes = 25 << 20
	s.smtp = srv

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return s
}

func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func (s *Server) record(msg Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

type backend struct {
	server *Server
	opts   Options
	reject map[string]struct{}
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b, conn: c}, nil
}

type session struct {
	backend       *backend
	conn          *smtp.Conn
	from          string
	to            []string
	authenticated bool
}

func (s *session) authEnabled() bool {
	return s.backend.opts.Username != ""
}

func (s *session) AuthMechanisms() []string {
	if s.authEnabled() {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.authEnabled() {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == s.backend.opts.Username && password == s.backend.opts.Password {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.authEnabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.authEnabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	addr := normalizeEmail(to)
	if _, ok := s.backend.reject[addr]; ok {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.to = append(s.to, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, encrypted := s.conn.TLSConnectionState()
	msg := Message{From: s.from, To: append([]string(nil), s.to...), Raw: raw, TLS: encrypted}
	parseInto(&msg, raw)
	s.backend.server.record(msg)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func parseInto(msg *Message, raw []byte) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return
	}
	defer reader.Close()

	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			return
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if !strings.HasPrefix(mediaType, "text/plain") && mediaType != "" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		if msg.TextBody == "" {
			msg.TextBody = string(body)
		} else {
			msg.TextBody += "\n" + string(body)
		}
	}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func selfSigned() (server, client *tls.Config, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relaytest"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client, nil
}
