// Package googleauth is the narrow Google OAuth2 collaborator the
// Authorizer consumes: code exchange, domain allow-list checks, and the
// login/logout/authenticated HTML pages. It owns no session state of its
// own — the session cookie and its validity are the Authorizer's concern.
package googleauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

const userInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// CookieName is the session cookie the Authorizer sets and reads.
const CookieName = "mrp-auth"

// LoginPath and LogoutPath are the two paths a Google-auth Endpoint
// intercepts before any Location lookup.
const (
	LoginPath  = "/authorized"
	LogoutPath = "/logout"
)

// Settings is one configured Google-auth credential set, looked up by the
// Endpoint's google_auth_settings_id.
type Settings struct {
	ID             string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	AllowedDomains []string
}

// Identity is the resolved Google account for a successfully exchanged
// authorization code or validated session.
type Identity struct {
	Email string
}

// Client exchanges authorization codes for Identities against one
// Settings entry.
type Client struct {
	settings Settings
	oauthCfg *oauth2.Config
}

// New builds a Client for the given Settings.
func New(settings Settings) *Client {
	return &Client{
		settings: settings,
		oauthCfg: &oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURL,
			Scopes:       []string{"email", "profile"},
			Endpoint:     google.Endpoint,
		},
	}
}

// LoginURL returns the Google consent-screen URL for the given opaque
// state value.
func (c *Client) LoginURL(state string) string {
	return c.oauthCfg.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for the account's email.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Identity, error) {
	token, err := c.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return Identity{}, errors.NewAuthError("google code exchange failed: " + err.Error())
	}

	httpClient := c.oauthCfg.Client(ctx, token)
	resp, err := httpClient.Get(userInfoURL)
	if err != nil {
		return Identity{}, errors.NewAuthError("google userinfo request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, errors.NewAuthError(fmt.Sprintf("google userinfo status %d", resp.StatusCode))
	}

	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Identity{}, errors.NewAuthError("decoding google userinfo: " + err.Error())
	}
	return Identity{Email: payload.Email}, nil
}

// DomainAllowed reports whether email's domain is in the configured
// allow-list. An empty allow-list permits every domain.
func (c *Client) DomainAllowed(email string) bool {
	if len(c.settings.AllowedDomains) == 0 {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range c.settings.AllowedDomains {
		if strings.EqualFold(allowed, domain) {
			return true
		}
	}
	return false
}
