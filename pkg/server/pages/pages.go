// Package pages renders the canned HTML responses the Server Loop sends
// in place of proxying when a request never reaches an upstream: a
// malformed request, an unresolved endpoint, a denied authorization, or
// an upstream that couldn't be reached. Six static shapes don't
// warrant a templating library — stdlib text/template is the pack's own
// choice wherever it generates throwaway HTML (see DESIGN.md).
package pages

import (
	"bytes"
	"html"
	"text/template"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Detail}}<pre>{{.Detail}}</pre>{{end}}
</body></html>
`))

type pageData struct {
	Title   string
	Message string
	Detail  string
}

// render builds one page. showDetail gates whether detail (the underlying
// error string) appears in the body at all — a deployment with
// show_error_description off gets the same title and message but never the
// raw reason, so a canned error page never leaks upstream addresses, file
// paths, or parse internals to a client.
func render(title, message, detail string, showDetail bool) []byte {
	if !showDetail {
		detail = ""
	}
	var b bytes.Buffer
	pageTemplate.Execute(&b, pageData{Title: title, Message: message, Detail: html.EscapeString(detail)})
	return b.Bytes()
}

// BadRequest renders the page for a malformed request line/header block or
// header-size exhaustion (parse/* error kinds).
func BadRequest(detail string, showDetail bool) []byte {
	return render("400 Bad Request", "The request could not be parsed.", detail, showDetail)
}

// NotFound renders the page for config/endpoint_not_found and
// config/location_not_found.
func NotFound(detail string, showDetail bool) []byte {
	return render("404 Not Found", "No configured endpoint matches this request.", detail, showDetail)
}

// Unauthorized renders the page for auth/not_authorized.
func Unauthorized(detail string, showDetail bool) []byte {
	return render("403 Forbidden", "You are not authorized to access this resource.", detail, showDetail)
}

// DisallowedDomain renders the page for auth/disallowed_domain: a session
// cookie that is still valid, but whose identity's email domain has since
// fallen off the Google-auth provider's allow-list.
func DisallowedDomain(detail string, showDetail bool) []byte {
	return render("401 Unauthorized", "Your session is valid but your account's domain is no longer allowed.", detail, showDetail)
}

// BadGateway renders the page for upstream/cannot_connect and
// upstream/write_failed/read_failed once retries are exhausted.
func BadGateway(detail string, showDetail bool) []byte {
	return render("502 Bad Gateway", "The upstream server could not be reached.", detail, showDetail)
}

// InternalError renders the catch-all page for anything else that aborts
// a request before a response could be proxied through.
func InternalError(detail string, showDetail bool) []byte {
	return render("500 Internal Server Error", "Something went wrong handling this request.", detail, showDetail)
}
