package cacheproxy

import (
	"bytes"
	"net/http"
	"strings"
	"time"
)

// Verdict classifies a cached entry against the current time.
type Verdict int

const (
	// Unknown means the entry carries no Expires header. It is served as is.
	Unknown Verdict = iota
	Fresh
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Servable reports whether an entry with this verdict may be returned
// without contacting the origin.
func (v Verdict) Servable() bool { return v != Stale }

// Evaluate looks for an Expires header in the entry's header section. An
// unparsable date cannot be trusted and is reported as Stale.
func Evaluate(entry []byte, now time.Time) Verdict {
	raw, ok := headerValue(entry, "Expires")
	if !ok {
		return Unknown
	}
	exp, err := http.ParseTime(raw)
	if err != nil {
		return Stale
	}
	if exp.Before(now) {
		return Stale
	}
	return Fresh
}

// headerSection returns the bytes between the status line and the first
// blank line. Both CRLF and bare LF line endings are accepted.
func headerSection(entry []byte) []byte {
	if i, _ := headerEnd(entry); i >= 0 {
		entry = entry[:i]
	}
	if i := bytes.IndexByte(entry, '\n'); i >= 0 {
		return entry[i+1:]
	}
	return nil
}

// headerValue returns the first value of the named header in a raw response.
// Names are matched case-insensitively.
func headerValue(entry []byte, name string) (string, bool) {
	for _, line := range strings.Split(string(headerSection(entry)), "\n") {
		k, v, found := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// isHTML reports whether the raw response declares an HTML content type.
func isHTML(entry []byte) bool {
	ct, ok := headerValue(entry, "Content-Type")
	return ok && strings.Contains(strings.ToLower(ct), "text/html")
}

// splitBody returns the bytes after the header terminator.
func splitBody(entry []byte) []byte {
	if i, n := headerEnd(entry); i >= 0 {
		return entry[i+n:]
	}
	return nil
}

// headerEnd finds the earliest header terminator, CRLF or bare LF, and
// returns its offset and length. The offset is -1 when there is none.
func headerEnd(entry []byte) (int, int) {
	crlf := bytes.Index(entry, []byte("\r\n\r\n"))
	lf := bytes.Index(entry, []byte("\n\n"))
	switch {
	case lf >= 0 && (crlf < 0 || lf < crlf):
		return lf, 2
	case crlf >= 0:
		return crlf, 4
	}
	return -1, 0
}
