package cacheproxy

import "errors"

var (
	// ErrMalformedRequest is returned when a request line or target cannot be
	// turned into a host and path.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrOriginUnreachable covers DNS failures and refused or timed out dials.
	ErrOriginUnreachable = errors.New("origin unreachable")

	// ErrCacheMiss means the store has no entry for the key. It is the normal
	// trigger for an origin fetch, not a failure.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheRead is returned when an entry exists but could not be read back.
	ErrCacheRead = errors.New("cache read")

	// ErrPrefetch wraps the failure of a single linked resource. It never
	// reaches the client.
	ErrPrefetch = errors.New("prefetch")
)
