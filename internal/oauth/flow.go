// Package oauth runs the authorization-code grant for the connected mailbox
// and keeps its access token fresh.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.io/infrasutra/replydesk/internal/credentials"
)

var (
	ErrStateMismatch    = errors.New("oauth state mismatch")
	ErrNoPendingRequest = errors.New("no pending authorization request")
	ErrExchangeFailed   = errors.New("authorization code exchange failed")
	ErrReauthRequired   = errors.New("reauthorization required")
)

const DefaultStateTTL = 10 * time.Minute

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	StateTTL     time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Controller begins and completes authorization attempts. Only one attempt
// can be pending at a time.
type Controller struct {
	cfg        *oauth2.Config
	states     StateStore
	holder     *credentials.Holder
	httpClient *http.Client
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

func NewController(opts Options, states StateStore, holder *credentials.Holder) *Controller {
	endpoint := google.Endpoint
	if opts.AuthURL != "" {
		endpoint.AuthURL = opts.AuthURL
	}
	if opts.TokenURL != "" {
		endpoint.TokenURL = opts.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	ttl := opts.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       opts.Scopes,
			Endpoint:     endpoint,
		},
		states:     states,
		holder:     holder,
		httpClient: client,
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
	}
}

// RedirectURI is the callback address registered with the provider.
func (c *Controller) RedirectURI() string {
	return c.cfg.RedirectURL
}

// Begin records a fresh anti-forgery token and returns the provider URL the
// browser should be sent to. Any earlier pending attempt is replaced.
func (c *Controller) Begin(ctx context.Context) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.states.Put(ctx, PendingState{Token: token, CreatedAt: c.now().UTC()}); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}

	return c.cfg.AuthCodeURL(token,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// Complete verifies the state echoed back by the provider and exchanges the
// code for credentials. A mismatched state leaves the pending attempt intact.
func (c *Controller) Complete(ctx context.Context, code, receivedState string) (credentials.Tuple, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok, err := c.states.Peek(ctx)
	if err != nil {
		return credentials.Tuple{}, fmt.Errorf("load oauth state: %w", err)
	}
	if !ok {
		return credentials.Tuple{}, ErrNoPendingRequest
	}
	if c.now().Sub(pending.CreatedAt) > c.ttl {
		if _, _, err := c.states.Take(ctx); err != nil {
			c.logger.Warn("discard stale oauth state", "error", err)
		}
		return credentials.Tuple{}, ErrNoPendingRequest
	}
	if subtle.ConstantTimeCompare([]byte(pending.Token), []byte(receivedState)) != 1 {
		return credentials.Tuple{}, ErrStateMismatch
	}
	if _, ok, err := c.states.Take(ctx); err != nil {
		return credentials.Tuple{}, fmt.Errorf("consume oauth state: %w", err)
	} else if !ok {
		return credentials.Tuple{}, ErrNoPendingRequest
	}

	if strings.TrimSpace(code) == "" {
		return credentials.Tuple{}, fmt.Errorf("%w: missing authorization code", ErrExchangeFailed)
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return credentials.Tuple{}, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	tuple := credentials.Tuple{
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		TokenEndpoint: c.cfg.Endpoint.TokenURL,
		ClientID:      c.cfg.ClientID,
		ClientSecret:  c.cfg.ClientSecret,
		Scopes:        grantedScopes(token, c.cfg.Scopes),
		Expiry:        token.Expiry,
	}
	if tuple.RefreshToken == "" {
		c.logger.Warn("provider issued no refresh token; access will end when the token expires")
	}
	if err := c.holder.Set(ctx, tuple); err != nil {
		return credentials.Tuple{}, err
	}
	return tuple, nil
}

func grantedScopes(token *oauth2.Token, requested []string) []string {
	if raw, ok := token.Extra("scope").(string); ok && strings.TrimSpace(raw) != "" {
		return strings.Fields(raw)
	}
	return append([]string(nil), requested...)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
