// Package credentials holds the OAuth credential bundle for the connected
// mailbox and the stores it is persisted in.
package credentials

import (
	"time"

	"golang.org/x/oauth2"
)

// expirySkew treats tokens that are about to lapse as already expired so a
// request never leaves with a token that dies in flight.
const expirySkew = 30 * time.Second

// Tuple is the persisted OAuth credential bundle. The JSON shape matches the
// token file written by earlier versions of the assistant.
type Tuple struct {
	AccessToken   string    `json:"token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenEndpoint string    `json:"token_uri"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret"`
	Scopes        []string  `json:"scopes"`
	Expiry        time.Time `json:"expiry"`
	Account       string    `json:"account,omitempty"`
}

// Expired reports whether the access token can no longer be used at now.
// A zero expiry means the provider did not say, and the token is trusted
// until the provider rejects it (see Holder.Invalidate).
func (t Tuple) Expired(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(t.Expiry)
}

func (t Tuple) sameGrant(o Tuple) bool {
	return t.AccessToken == o.AccessToken && t.RefreshToken == o.RefreshToken && t.Expiry.Equal(o.Expiry)
}

// CanRefresh reports whether an expired tuple can be renewed without the user.
func (t Tuple) CanRefresh() bool {
	return t.RefreshToken != "" && t.TokenEndpoint != ""
}

// WithAccessToken returns a copy carrying a renewed access token. A rotated
// refresh token replaces the old one; an empty one keeps it.
func (t Tuple) WithAccessToken(access, refresh string, expiry time.Time) Tuple {
	t.AccessToken = access
	t.Expiry = expiry
	if refresh != "" {
		t.RefreshToken = refresh
	}
	return t
}

// Token converts the tuple into the form oauth2 transports expect.
func (t Tuple) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

// OAuthConfig builds the client configuration needed to refresh this tuple.
func (t Tuple) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		Scopes:       t.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  t.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
