// Package authz implements the Authorizer: Google-auth cookie handling and
// client-certificate CN checks for an Endpoint, plus the allowed-users
// list enforcement shared by both.
package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/googleauth"
)

// GoogleProvider is the narrow surface the Authorizer needs from a
// configured Google-auth credential set.
type GoogleProvider interface {
	LoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (googleauth.Identity, error)
	DomainAllowed(email string) bool
}

// Registry resolves an Endpoint's google_auth_settings_id to its
// GoogleProvider, and holds the session-token signer shared across all
// Google-auth Endpoints.
type Registry struct {
	providers map[string]GoogleProvider
	signer    *googleauth.TokenSigner
}

// NewRegistry builds a Registry over the given settings-id -> provider
// map and session-token signer.
func NewRegistry(providers map[string]GoogleProvider, signer *googleauth.TokenSigner) *Registry {
	return &Registry{providers: providers, signer: signer}
}

// Request is the minimal per-request context the Authorizer needs,
// deliberately independent of httpwire.Message so tests can construct it
// directly.
type Request struct {
	Path         string
	Query        map[string]string
	Cookie       string // mrp-auth cookie value, "" if absent
	ClientCertCN string // "" if the connection isn't client-cert authenticated
}

// Result is what the Authorizer decided: either Identity is populated and
// the request proceeds, or ShowPage carries a response to emit instead of
// dialing upstream.
type Result struct {
	Identity string
	ShowPage *errors.ShowPage
}

// Authorize runs ep's declared authorization requirement against req.
func Authorize(ctx context.Context, r *Registry, ep *config.Endpoint, req Request) (Result, error) {
	var identity string

	switch ep.Auth {
	case config.AuthGoogle:
		res, err := r.authorizeGoogle(ctx, ep, req)
		if err != nil || res.ShowPage != nil {
			return res, err
		}
		identity = res.Identity

	case config.AuthClientCertificate:
		if req.ClientCertCN == "" {
			return Result{}, errors.NewAuthError("no client certificate presented")
		}
		identity = req.ClientCertCN

	default:
		identity = req.ClientCertCN
	}

	if ep.AllowedUsers != nil {
		if _, ok := ep.AllowedUsers[strings.ToLower(identity)]; !ok {
			return Result{}, errors.NewAuthError("identity not in allowed-users list")
		}
	}

	return Result{Identity: identity}, nil
}

func (r *Registry) authorizeGoogle(ctx context.Context, ep *config.Endpoint, req Request) (Result, error) {
	provider, ok := r.providers[ep.GoogleAuthSettingsID]
	if !ok {
		return Result{}, errors.NewAuthError("unknown google_auth_settings_id " + ep.GoogleAuthSettingsID)
	}

	switch {
	case strings.EqualFold(req.Path, googleauth.LogoutPath):
		return Result{ShowPage: &errors.ShowPage{
			PageKind: "google_logout",
			HTML:     googleauth.RenderLogoutPage("You have successfully logged out!"),
			Status:   http.StatusOK,
			Headers:  map[string]string{"Set-Cookie": googleauth.CookieName + "=; Max-Age=0"},
		}}, nil

	case strings.EqualFold(req.Path, googleauth.LoginPath):
		code := req.Query["code"]
		if code == "" {
			return Result{ShowPage: loginPage(provider)}, nil
		}
		identity, err := provider.ExchangeCode(ctx, code)
		if err != nil {
			return Result{}, err
		}
		if !provider.DomainAllowed(identity.Email) {
			return Result{ShowPage: &errors.ShowPage{
				PageKind: "google_domain_rejected",
				HTML:     googleauth.RenderLogoutPage("Unauthorized email domain"),
				Status:   http.StatusOK,
			}}, nil
		}
		token, err := r.signer.Generate(identity.Email)
		if err != nil {
			return Result{}, err
		}
		return Result{ShowPage: &errors.ShowPage{
			PageKind: "google_authenticated",
			HTML:     googleauth.RenderAuthenticatedPage(identity.Email),
			Status:   http.StatusOK,
			Headers:  map[string]string{"Set-Cookie": googleauth.CookieName + "=" + token + "; SameSite=None; Secure"},
		}}, nil
	}

	if req.Cookie == "" {
		return Result{ShowPage: loginPage(provider)}, nil
	}
	email, valid := r.signer.Resolve(req.Cookie)
	if !valid {
		return Result{ShowPage: loginPage(provider)}, nil
	}
	if !provider.DomainAllowed(email) {
		return Result{}, errors.NewAuthDisallowedDomainError("cookie identity from disallowed domain")
	}
	return Result{Identity: email}, nil
}

func loginPage(provider GoogleProvider) *errors.ShowPage {
	return &errors.ShowPage{
		PageKind: "google_login",
		HTML:     googleauth.RenderLoginPage(provider.LoginURL("")),
		Status:   http.StatusOK,
	}
}
