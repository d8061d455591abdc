package authz

import (
	"context"
	"testing"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/googleauth"
)

type fakeGoogleProvider struct {
	identityByCode map[string]googleauth.Identity
	allowedDomain  string
}

func (f *fakeGoogleProvider) LoginURL(state string) string { return "https://accounts.google.test/auth" }

func (f *fakeGoogleProvider) ExchangeCode(ctx context.Context, code string) (googleauth.Identity, error) {
	return f.identityByCode[code], nil
}

func (f *fakeGoogleProvider) DomainAllowed(email string) bool {
	if f.allowedDomain == "" {
		return true
	}
	return len(email) > len(f.allowedDomain) && email[len(email)-len(f.allowedDomain):] == f.allowedDomain
}

func TestAuthorizeClientCertificatePasses(t *testing.T) {
	ep := &config.Endpoint{Auth: config.AuthClientCertificate}
	res, err := Authorize(context.Background(), nil, ep, Request{ClientCertCN: "device-42"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if res.Identity != "device-42" {
		t.Fatalf("expected identity device-42, got %q", res.Identity)
	}
}

func TestAuthorizeClientCertificateMissingFails(t *testing.T) {
	ep := &config.Endpoint{Auth: config.AuthClientCertificate}
	if _, err := Authorize(context.Background(), nil, ep, Request{}); err == nil {
		t.Fatalf("expected not_authorized without a client cert")
	}
}

func TestAuthorizeAllowedUsersRejectsOutsiders(t *testing.T) {
	ep := &config.Endpoint{
		Auth:         config.AuthClientCertificate,
		AllowedUsers: map[string]struct{}{"device-1": {}},
	}
	if _, err := Authorize(context.Background(), nil, ep, Request{ClientCertCN: "device-42"}); err == nil {
		t.Fatalf("expected not_authorized for identity outside allowed-users")
	}
}

func TestAuthorizeGoogleNoCookieShowsLoginPage(t *testing.T) {
	registry := NewRegistry(map[string]GoogleProvider{
		"main": &fakeGoogleProvider{},
	}, googleauth.NewTokenSigner([]byte("secret"), time.Hour))
	ep := &config.Endpoint{Auth: config.AuthGoogle, GoogleAuthSettingsID: "main"}

	res, err := Authorize(context.Background(), registry, ep, Request{Path: "/hello"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if res.ShowPage == nil || res.ShowPage.PageKind != "google_login" {
		t.Fatalf("expected login page, got %+v", res)
	}
}

func TestAuthorizeGoogleValidCookiePasses(t *testing.T) {
	signer := googleauth.NewTokenSigner([]byte("secret"), time.Hour)
	token, err := signer.Generate("user@allowed.test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	registry := NewRegistry(map[string]GoogleProvider{
		"main": &fakeGoogleProvider{allowedDomain: "@allowed.test"},
	}, signer)
	ep := &config.Endpoint{Auth: config.AuthGoogle, GoogleAuthSettingsID: "main"}

	res, err := Authorize(context.Background(), registry, ep, Request{Path: "/hello", Cookie: token})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if res.Identity != "user@allowed.test" {
		t.Fatalf("expected identity from cookie, got %+v", res)
	}
}

func TestAuthorizeGoogleDisallowedDomainCookieFails(t *testing.T) {
	signer := googleauth.NewTokenSigner([]byte("secret"), time.Hour)
	token, _ := signer.Generate("user@other.test")
	registry := NewRegistry(map[string]GoogleProvider{
		"main": &fakeGoogleProvider{allowedDomain: "@allowed.test"},
	}, signer)
	ep := &config.Endpoint{Auth: config.AuthGoogle, GoogleAuthSettingsID: "main"}

	_, err := Authorize(context.Background(), registry, ep, Request{Path: "/hello", Cookie: token})
	if err == nil {
		t.Fatalf("expected an error for a disallowed domain cookie")
	}
	if !errors.Is(err, errors.KindAuthDisallowedDomain) {
		t.Fatalf("expected auth/disallowed_domain, got %v", errors.GetKind(err))
	}
}
