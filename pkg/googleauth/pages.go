package googleauth

import (
	"bytes"
	"html/template"
)

var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><head><title>Sign in</title></head>
<body>
<h1>Sign in required</h1>
<p><a href="{{.LoginURL}}">Continue with Google</a></p>
</body></html>
`))

var logoutPageTmpl = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html><head><title>Signed out</title></head>
<body><h1>{{.Message}}</h1></body></html>
`))

var authenticatedPageTmpl = template.Must(template.New("authed").Parse(`<!DOCTYPE html>
<html><head><title>Signed in</title></head>
<body><h1>Signed in as {{.Email}}</h1></body></html>
`))

// RenderLoginPage builds the page offering the Google consent-screen link.
func RenderLoginPage(loginURL string) []byte {
	var buf bytes.Buffer
	_ = loginPageTmpl.Execute(&buf, struct{ LoginURL string }{loginURL})
	return buf.Bytes()
}

// RenderLogoutPage builds a generic message page used for logout and
// domain-rejection responses.
func RenderLogoutPage(message string) []byte {
	var buf bytes.Buffer
	_ = logoutPageTmpl.Execute(&buf, struct{ Message string }{message})
	return buf.Bytes()
}

// RenderAuthenticatedPage builds the "signed in as ..." confirmation page.
func RenderAuthenticatedPage(email string) []byte {
	var buf bytes.Buffer
	_ = authenticatedPageTmpl.Execute(&buf, struct{ Email string }{email})
	return buf.Bytes()
}
