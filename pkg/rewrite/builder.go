package rewrite

import (
	"strconv"
	"strings"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/httpwire"
)

// BuildRequest composes a request first line + header block + terminating
// CRLF, preserving the original method/path/version and writing headers in
// the order given.
func BuildRequest(line httpwire.RequestLine, headers httpwire.Headers) []byte {
	var b strings.Builder
	b.WriteString(line.Method)
	b.WriteByte(' ')
	b.WriteString(line.Path)
	b.WriteByte(' ')
	b.WriteString(line.Version)
	b.WriteString("\r\n")
	writeHeaderBlock(&b, headers)
	return []byte(b.String())
}

// BuildResponse composes a response first line + header block + terminating
// CRLF.
func BuildResponse(line httpwire.StatusLine, headers httpwire.Headers) []byte {
	var b strings.Builder
	b.WriteString(line.Version)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(line.Code))
	if line.Reason != "" {
		b.WriteByte(' ')
		b.WriteString(line.Reason)
	}
	b.WriteString("\r\n")
	writeHeaderBlock(&b, headers)
	return []byte(b.String())
}

func writeHeaderBlock(b *strings.Builder, headers httpwire.Headers) {
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
}
