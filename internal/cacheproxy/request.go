package cacheproxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const defaultPort = 80

// ParsedRequest is the decomposed form of an inbound request line.
type ParsedRequest struct {
	Method  string
	Host    string
	Port    int
	Path    string
	Version string
}

var schemePrefix = regexp.MustCompile(`^/?https?://`)

// ParseRequestLine splits "<METHOD> <TARGET> <VERSION>" and normalizes the
// target into host, port and path. Host is empty for origin-form targets
// ("/foo/"); the caller fills it from the Host header.
func ParseRequestLine(line string) (ParsedRequest, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ParsedRequest{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedRequest, len(fields))
	}

	host, port, path, err := splitTarget(fields[1])
	if err != nil {
		return ParsedRequest{}, err
	}
	return ParsedRequest{
		Method:  fields[0],
		Host:    host,
		Port:    port,
		Path:    path,
		Version: fields[2],
	}, nil
}

func splitTarget(target string) (host string, port int, path string, _ error) {
	target = schemePrefix.ReplaceAllLiteralString(target, "")
	target = strings.ReplaceAll(target, "/..", "")

	authority, rest, found := strings.Cut(target, "/")
	path = "/"
	if found {
		path += rest
	}

	host, port, err := splitHostPort(authority)
	if err != nil {
		return "", 0, "", err
	}
	return host, port, path, nil
}

// splitHostPort parses "host" or "host:port". An empty authority yields an
// empty host and the default port.
func splitHostPort(authority string) (string, int, error) {
	host, portStr, found := strings.Cut(authority, ":")
	if !found || portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: bad port %q", ErrMalformedRequest, portStr)
	}
	return host, port, nil
}
