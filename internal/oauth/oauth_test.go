package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/replydesk/internal/credentials"
)

type tokenEndpoint struct {
	srv   *httptest.Server
	hits  atomic.Int32
	forms chan url.Values
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{forms: make(chan url.Values, 8)}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.hits.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		te.forms <- r.PostForm
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.PostForm.Get("grant_type") == "authorization_code" && r.PostForm.Get("code") == "good-code":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"scope":         "scope-a scope-b",
			})
		case r.PostForm.Get("grant_type") == "refresh_token" && r.PostForm.Get("refresh_token") == "refresh-1":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-2",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
		}
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func newTestController(t *testing.T, te *tokenEndpoint) (*Controller, *credentials.Holder, StateStore) {
	t.Helper()
	holder := credentials.NewHolder(credentials.NewMemoryStore())
	states := NewMemoryStateStore()
	ctrl := NewController(Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:8080/oauth2callback",
		AuthURL:      "https://accounts.example.com/auth",
		TokenURL:     te.srv.URL,
		Scopes:       []string{"scope-a", "scope-b"},
	}, states, holder)
	return ctrl, holder, states
}

func TestBeginBuildsAuthorizationURL(t *testing.T) {
	ctx := context.Background()
	ctrl, _, states := newTestController(t, newTokenEndpoint(t))

	raw, err := ctrl.Begin(ctx)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "accounts.example.com", u.Host)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8080/oauth2callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "scope-a scope-b", q.Get("scope"))

	pending, ok, err := states.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pending.Token, q.Get("state"))
	assert.Len(t, pending.Token, 43)

	again, err := ctrl.Begin(ctx)
	require.NoError(t, err)
	u2, _ := url.Parse(again)
	assert.NotEqual(t, q.Get("state"), u2.Query().Get("state"))
	latest, _, _ := states.Peek(ctx)
	assert.Equal(t, u2.Query().Get("state"), latest.Token)
}

func TestCompleteRejectsMismatchedState(t *testing.T) {
	ctx := context.Background()
	te := newTokenEndpoint(t)
	ctrl, holder, _ := newTestController(t, te)

	raw, err := ctrl.Begin(ctx)
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	state := u.Query().Get("state")

	_, err = ctrl.Complete(ctx, "good-code", state+"x")
	require.ErrorIs(t, err, ErrStateMismatch)
	assert.Zero(t, te.hits.Load(), "no exchange on mismatch")
	_, ok := holder.Current()
	assert.False(t, ok)

	tuple, err := ctrl.Complete(ctx, "good-code", state)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tuple.AccessToken)
	assert.Equal(t, "refresh-1", tuple.RefreshToken)
	assert.Equal(t, te.srv.URL, tuple.TokenEndpoint)
	assert.Equal(t, []string{"scope-a", "scope-b"}, tuple.Scopes)
	assert.False(t, tuple.Expiry.IsZero())

	form := <-te.forms
	assert.Equal(t, "http://localhost:8080/oauth2callback", form.Get("redirect_uri"))
	assert.Equal(t, "client-secret", form.Get("client_secret"))

	stored, ok := holder.Current()
	require.True(t, ok)
	assert.Equal(t, tuple, stored)

	_, err = ctrl.Complete(ctx, "good-code", state)
	assert.ErrorIs(t, err, ErrNoPendingRequest, "state is single use")
}

func TestCompleteWithoutPendingRequest(t *testing.T) {
	ctrl, _, _ := newTestController(t, newTokenEndpoint(t))
	_, err := ctrl.Complete(context.Background(), "good-code", "anything")
	assert.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestCompleteExpiredState(t *testing.T) {
	ctx := context.Background()
	ctrl, _, states := newTestController(t, newTokenEndpoint(t))

	raw, err := ctrl.Begin(ctx)
	require.NoError(t, err)
	u, _ := url.Parse(raw)

	ctrl.now = func() time.Time { return time.Now().Add(DefaultStateTTL + time.Minute) }
	_, err = ctrl.Complete(ctx, "good-code", u.Query().Get("state"))
	require.ErrorIs(t, err, ErrNoPendingRequest)

	_, ok, err := states.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteExchangeFailure(t *testing.T) {
	ctx := context.Background()
	ctrl, holder, _ := newTestController(t, newTokenEndpoint(t))

	raw, err := ctrl.Begin(ctx)
	require.NoError(t, err)
	u, _ := url.Parse(raw)

	_, err = ctrl.Complete(ctx, "bad-code", u.Query().Get("state"))
	require.ErrorIs(t, err, ErrExchangeFailed)
	_, ok := holder.Current()
	assert.False(t, ok)
}

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oauth_state.json")
	store := NewFileStateStore(path)

	_, ok, err := store.Take(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, PendingState{Token: "abc", CreatedAt: time.Unix(1700000000, 0).UTC()}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"abc"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, ok, err := store.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", got.Token)

	_, ok, err = store.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func newTestRefresher(t *testing.T, tuple credentials.Tuple) (*Refresher, *credentials.Holder, credentials.Store) {
	t.Helper()
	store := credentials.NewMemoryStore()
	holder := credentials.NewHolder(store)
	require.NoError(t, holder.Set(context.Background(), tuple))
	return NewRefresher(holder, nil, nil), holder, store
}

func TestEnsureValidWithoutRefreshTokenMakesNoCall(t *testing.T) {
	te := newTokenEndpoint(t)
	r, holder, _ := newTestRefresher(t, credentials.Tuple{
		AccessToken:   "access-0",
		TokenEndpoint: te.srv.URL,
		Expiry:        time.Now().Add(-time.Minute),
	})

	_, err := r.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrReauthRequired)
	assert.Zero(t, te.hits.Load())
	_, ok := holder.Current()
	assert.False(t, ok)
}

func TestEnsureValidReturnsUnexpiredTuple(t *testing.T) {
	te := newTokenEndpoint(t)
	r, _, _ := newTestRefresher(t, credentials.Tuple{
		AccessToken:   "access-0",
		RefreshToken:  "refresh-1",
		TokenEndpoint: te.srv.URL,
		Expiry:        time.Now().Add(time.Hour),
	})

	tuple, err := r.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-0", tuple.AccessToken)
	assert.Zero(t, te.hits.Load())
}

func TestEnsureValidRefreshes(t *testing.T) {
	ctx := context.Background()
	te := newTokenEndpoint(t)
	r, _, store := newTestRefresher(t, credentials.Tuple{
		AccessToken:   "access-0",
		RefreshToken:  "refresh-1",
		TokenEndpoint: te.srv.URL,
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		Expiry:        time.Now().Add(-time.Minute),
	})

	tuple, err := r.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tuple.AccessToken)
	assert.Equal(t, "refresh-1", tuple.RefreshToken)
	assert.True(t, tuple.Expiry.After(time.Now()))

	form := <-te.forms
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "client-id", form.Get("client_id"))

	persisted, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", persisted.AccessToken)

	_, err = r.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), te.hits.Load())
}

func TestEnsureValidRefreshFailureDropsCredentials(t *testing.T) {
	ctx := context.Background()
	te := newTokenEndpoint(t)
	r, holder, store := newTestRefresher(t, credentials.Tuple{
		AccessToken:   "access-0",
		RefreshToken:  "revoked",
		TokenEndpoint: te.srv.URL,
		Expiry:        time.Now().Add(-time.Minute),
	})

	_, err := r.EnsureValid(ctx)
	require.ErrorIs(t, err, ErrReauthRequired)
	_, ok := holder.Current()
	assert.False(t, ok)
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestClientAuthorizesWithCurrentToken(t *testing.T) {
	ctx := context.Background()
	te := newTokenEndpoint(t)
	r, _, _ := newTestRefresher(t, credentials.Tuple{
		AccessToken:   "access-0",
		RefreshToken:  "refresh-1",
		TokenEndpoint: te.srv.URL,
		Expiry:        time.Now().Add(-time.Minute),
	})

	var seen atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	resp, err := r.Client(ctx, 5*time.Second).Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer access-2", seen.Load())
}

func TestRefreshDoesNotOverwriteNewerLogin(t *testing.T) {
	ctx := context.Background()
	login := credentials.Tuple{
		AccessToken:  "fresh-login",
		RefreshToken: "refresh-new",
		Expiry:       time.Now().Add(time.Hour),
		Account:      "me@example.com",
	}

	var holder *credentials.Holder
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The user finishes a new login while this refresh is in flight.
		if err := holder.Set(ctx, login); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer endpoint.Close()

	for _, refreshToken := range []string{"refresh-1", "revoked"} {
		t.Run(refreshToken, func(t *testing.T) {
			var r *Refresher
			r, holder, _ = newTestRefresher(t, credentials.Tuple{
				AccessToken:   "access-0",
				RefreshToken:  refreshToken,
				TokenEndpoint: endpoint.URL,
				Expiry:        time.Now().Add(-time.Minute),
			})

			tuple, err := r.EnsureValid(ctx)
			require.NoError(t, err)
			assert.Equal(t, "fresh-login", tuple.AccessToken)

			current, ok := holder.Current()
			require.True(t, ok)
			assert.Equal(t, login, current)
		})
	}
}

func TestClientForgetsRejectedToken(t *testing.T) {
	ctx := context.Background()
	te := newTokenEndpoint(t)
	r, holder, _ := newTestRefresher(t, credentials.Tuple{
		AccessToken:   "access-0",
		RefreshToken:  "refresh-1",
		TokenEndpoint: te.srv.URL,
	})

	var seen []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)
		if auth == "Bearer access-0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	client := r.Client(ctx, 5*time.Second)
	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	current, ok := holder.Current()
	require.True(t, ok)
	assert.Empty(t, current.AccessToken)
	assert.Zero(t, te.hits.Load())

	resp, err = client.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"Bearer access-0", "Bearer access-2"}, seen)
	assert.Equal(t, int32(1), te.hits.Load())
}

func TestClientRejectedTokenWithoutRefreshRequiresReauthorization(t *testing.T) {
	ctx := context.Background()
	r, holder, _ := newTestRefresher(t, credentials.Tuple{AccessToken: "access-0", TokenEndpoint: "http://127.0.0.1:1"})

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	client := r.Client(ctx, 5*time.Second)
	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = client.Get(api.URL)
	require.ErrorIs(t, err, ErrReauthRequired)
	_, ok := holder.Current()
	assert.False(t, ok)
}
