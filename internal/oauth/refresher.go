package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/replydesk/internal/credentials"
)

// Refresher hands out a usable access token from the shared holder,
// renewing it through the refresh grant when it has lapsed.
type Refresher struct {
	holder     *credentials.Holder
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

func NewRefresher(holder *credentials.Holder, httpClient *http.Client, logger *slog.Logger) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		holder:     holder,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// EnsureValid returns the current tuple, refreshed if needed. Every failure
// that leaves the mailbox unusable is reported as ErrReauthRequired and the
// stored credentials are dropped.
func (r *Refresher) EnsureValid(ctx context.Context) (credentials.Tuple, error) {
	tuple, ok := r.holder.Current()
	if !ok {
		return credentials.Tuple{}, ErrReauthRequired
	}
	if !tuple.Expired(r.now()) {
		return tuple, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have refreshed while we waited.
	tuple, ok = r.holder.Current()
	if !ok {
		return credentials.Tuple{}, ErrReauthRequired
	}
	if !tuple.Expired(r.now()) {
		return tuple, nil
	}
	if !tuple.CanRefresh() {
		r.logger.Info("access token expired and cannot be refreshed")
		if current, ok := r.drop(ctx, tuple); ok {
			return current, nil
		}
		return credentials.Tuple{}, ErrReauthRequired
	}

	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	src := tuple.OAuthConfig().TokenSource(refreshCtx, &oauth2.Token{RefreshToken: tuple.RefreshToken})
	token, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			r.logger.Warn("token refresh rejected", "status", retrieveErr.Response.StatusCode, "error_code", retrieveErr.ErrorCode)
		} else {
			r.logger.Warn("token refresh failed", "error", err)
		}
		if current, ok := r.drop(ctx, tuple); ok {
			return current, nil
		}
		return credentials.Tuple{}, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}

	renewed := tuple.WithAccessToken(token.AccessToken, token.RefreshToken, token.Expiry)
	swapped, err := r.holder.Replace(ctx, tuple, renewed)
	if err != nil {
		return credentials.Tuple{}, err
	}
	if !swapped {
		// A new login landed while the refresh was in flight; it wins.
		return r.superseding()
	}
	r.logger.Debug("access token refreshed", "expiry", renewed.Expiry)
	return renewed, nil
}

// drop clears stale credentials. If they were replaced meanwhile, it returns
// the replacement instead.
func (r *Refresher) drop(ctx context.Context, stale credentials.Tuple) (credentials.Tuple, bool) {
	cleared, err := r.holder.ClearIf(ctx, stale)
	if err != nil {
		r.logger.Error("clear credentials", "error", err)
	}
	if cleared {
		return credentials.Tuple{}, false
	}
	current, err := r.superseding()
	return current, err == nil
}

func (r *Refresher) superseding() (credentials.Tuple, error) {
	current, ok := r.holder.Current()
	if !ok || current.Expired(r.now()) {
		return credentials.Tuple{}, ErrReauthRequired
	}
	return current, nil
}

// invalidate forgets an access token the provider answered 401 for, so the
// next EnsureValid refreshes or asks for reauthorization.
func (r *Refresher) invalidate(ctx context.Context, accessToken string) {
	changed, err := r.holder.Invalidate(ctx, accessToken)
	if err != nil {
		r.logger.Error("invalidate access token", "error", err)
		return
	}
	if changed {
		r.logger.Warn("access token rejected by provider")
	}
}

// TokenSource adapts the Refresher for oauth2.Transport. ctx bounds every
// refresh made through it.
func (r *Refresher) TokenSource(ctx context.Context) oauth2.TokenSource {
	return refresherSource{ctx: ctx, r: r}
}

// Client returns an HTTP client that authenticates every request with a
// token from EnsureValid. The token is looked up per request, never cached,
// so refreshes made elsewhere are picked up immediately.
func (r *Refresher) Client(ctx context.Context, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: r.TokenSource(ctx),
			Base:   &rejectionWatcher{base: http.DefaultTransport, r: r},
		},
		Timeout: timeout,
	}
}

type refresherSource struct {
	ctx context.Context
	r   *Refresher
}

func (s refresherSource) Token() (*oauth2.Token, error) {
	tuple, err := s.r.EnsureValid(s.ctx)
	if err != nil {
		return nil, err
	}
	return tuple.Token(), nil
}

type rejectionWatcher struct {
	base http.RoundTripper
	r    *Refresher
}

func (w *rejectionWatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := w.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		token, found := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if found {
			w.r.invalidate(req.Context(), token)
		}
	}
	return resp, err
}
