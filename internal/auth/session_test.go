package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	m, err := New("secret", time.Hour, false)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	token, err := m.Issue(" Me@Example.com ", now)
	require.NoError(t, err)

	account, err := m.Parse(token, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", account)

	_, err = m.Parse(token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrSessionExpired)

	other, err := New("another-secret", time.Hour, false)
	require.NoError(t, err)
	_, err = other.Parse(token, now)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = m.Parse("", now)
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = m.Issue("not an address", now)
	assert.Error(t, err)
}

func TestCookieRoundTrip(t *testing.T) {
	m, err := New("", time.Hour, true)
	require.NoError(t, err)
	now := time.Now()

	rec := httptest.NewRecorder()
	require.NoError(t, m.SetCookie(rec, "me@example.com", now))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "replydesk_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookies[0])
	account, err := m.FromRequest(req, now)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", account)

	cleared := httptest.NewRecorder()
	m.ClearCookie(cleared)
	assert.Equal(t, -1, cleared.Result().Cookies()[0].MaxAge)

	_, err = m.FromRequest(httptest.NewRequest(http.MethodGet, "/", nil), now)
	assert.ErrorIs(t, err, ErrNoSession)
}
