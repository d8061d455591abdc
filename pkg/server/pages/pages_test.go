package pages

import (
	"strings"
	"testing"
)

func TestRenderOmitsDetailWhenShowDetailFalse(t *testing.T) {
	body := BadGateway("dial tcp 10.0.0.1:443: connection refused", false)
	if strings.Contains(string(body), "connection refused") {
		t.Fatalf("expected detail to be omitted, got %s", body)
	}
	if !strings.Contains(string(body), "502 Bad Gateway") {
		t.Fatalf("expected title to still render, got %s", body)
	}
}

func TestRenderIncludesDetailWhenShowDetailTrue(t *testing.T) {
	body := BadGateway("dial tcp 10.0.0.1:443: connection refused", true)
	if !strings.Contains(string(body), "connection refused") {
		t.Fatalf("expected detail to be included, got %s", body)
	}
}
