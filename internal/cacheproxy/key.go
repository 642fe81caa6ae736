package cacheproxy

import (
	"fmt"
	"path"
	"strings"
)

// DefaultFiller names the file that stores a resource whose path ends in "/".
const DefaultFiller = "default"

// CacheKey is a slash-separated path relative to the cache root, e.g.
// "example.com/foo/default".
type CacheKey string

// KeyResolver maps (host, path) to a CacheKey.
type KeyResolver struct {
	Filler string
}

// Resolve builds "<host><path>", appending the filler segment when path ends
// in "/". It does not trust the parser's traversal stripping: the path is
// cleaned as if rooted so the key can never climb out of the host directory.
func (r KeyResolver) Resolve(host, resourcePath string) (CacheKey, error) {
	if err := validateHost(host); err != nil {
		return "", err
	}
	if resourcePath == "" || resourcePath[0] != '/' {
		resourcePath = "/" + resourcePath
	}

	dir := strings.HasSuffix(resourcePath, "/")
	clean := path.Clean(resourcePath)
	if dir || clean == "/" {
		clean = strings.TrimSuffix(clean, "/") + "/" + r.filler()
	}
	return CacheKey(host + clean), nil
}

func (r KeyResolver) filler() string {
	if r.Filler == "" {
		return DefaultFiller
	}
	return r.Filler
}

func validateHost(host string) error {
	switch {
	case host == "":
		return fmt.Errorf("%w: empty host", ErrMalformedRequest)
	case host == "." || host == "..":
		return fmt.Errorf("%w: bad host %q", ErrMalformedRequest, host)
	case strings.ContainsAny(host, `/\`):
		return fmt.Errorf("%w: bad host %q", ErrMalformedRequest, host)
	}
	return nil
}
