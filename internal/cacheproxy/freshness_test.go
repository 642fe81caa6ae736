package cacheproxy

import (
	"testing"
	"time"
)

func entryWith(headers string) []byte {
	return []byte("HTTP/1.1 200 OK\r\n" + headers + "Content-Length: 2\r\n\r\nhi")
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		entry []byte
		want  Verdict
	}{
		{"no expires", entryWith(""), Unknown},
		{"past", entryWith("Expires: Mon, 01 Jan 2001 00:00:00 GMT\r\n"), Stale},
		{"future", entryWith("Expires: Sun, 01 Jun 2025 00:00:00 GMT\r\n"), Fresh},
		{"exactly now", entryWith("Expires: Sat, 01 Jun 2024 12:00:00 GMT\r\n"), Fresh},
		{"lower case name", entryWith("expires: Mon, 01 Jan 2001 00:00:00 GMT\r\n"), Stale},
		{"rfc850", entryWith("Expires: Sunday, 01-Jun-25 00:00:00 GMT\r\n"), Fresh},
		{"unparsable", entryWith("Expires: 0\r\n"), Stale},
		{"bare lf", []byte("HTTP/1.1 200 OK\nExpires: Mon, 01 Jan 2001 00:00:00 GMT\n\nbody"), Stale},
		{
			"expires only in body",
			[]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nExpires: Mon, 01 Jan 2001 00:00:00 GMT\r\n"),
			Unknown,
		},
		{
			"bare lf headers, crlf blank line in body",
			[]byte("HTTP/1.1 200 OK\nContent-Type: text/plain\n\nnote\r\nExpires: Mon, 01 Jan 2001 00:00:00 GMT\r\n\r\n"),
			Unknown,
		},
	}
	for _, tt := range tests {
		if got := Evaluate(tt.entry, now); got != tt.want {
			t.Errorf("%s: Evaluate = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestVerdictServable(t *testing.T) {
	if !Fresh.Servable() || !Unknown.Servable() || Stale.Servable() {
		t.Fatal("only Stale must be refetched")
	}
}

func TestIsHTML(t *testing.T) {
	if !isHTML(entryWith("Content-Type: text/html; charset=utf-8\r\n")) {
		t.Error("text/html not detected")
	}
	if isHTML(entryWith("Content-Type: image/png\r\n")) {
		t.Error("image/png detected as html")
	}
	if isHTML([]byte("HTTP/1.1 200 OK\r\n\r\n<p>text/html</p>")) {
		t.Error("body text must not count as content type")
	}
}

func TestSplitBody(t *testing.T) {
	if got := string(splitBody(entryWith(""))); got != "hi" {
		t.Fatalf("body = %q", got)
	}
	if got := string(splitBody([]byte("HTTP/1.1 200 OK\nX: y\n\na\r\n\r\nb"))); got != "a\r\n\r\nb" {
		t.Fatalf("body = %q", got)
	}
	if got := splitBody([]byte("HTTP/1.1 200 OK\r\nX: y")); got != nil {
		t.Fatalf("body = %q, want nil", got)
	}
}
