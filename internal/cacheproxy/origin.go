package cacheproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// OriginResponse holds the raw bytes read from an origin. Truncated is set
// when the read stopped at the size limit rather than at EOF.
type OriginResponse struct {
	Bytes     []byte
	Truncated bool
}

// Fetcher issues a synthesized GET to an origin over a fresh TCP connection
// and reads the whole response into memory.
type Fetcher struct {
	Resolver *net.Resolver
	Timeout  time.Duration
	MaxSize  int64
}

func (f *Fetcher) resolver() *net.Resolver {
	if f.Resolver != nil {
		return f.Resolver
	}
	return net.DefaultResolver
}

// Fetch makes a single attempt; there is no retry.
func (f *Fetcher) Fetch(ctx context.Context, host string, port int, path string) (OriginResponse, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	addrs, err := f.resolver().LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return OriginResponse{}, fmt.Errorf("%w: lookup %s: %v", ErrOriginUnreachable, host, err)
	}
	addr := net.JoinHostPort(addrs[0], strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return OriginResponse{}, fmt.Errorf("%w: dial %s: %v", ErrOriginUnreachable, addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if _, err := conn.Write(originRequest(host, port, path)); err != nil {
		return OriginResponse{}, fmt.Errorf("send request to %s: %w", addr, err)
	}

	var buf bytes.Buffer
	limit := f.MaxSize
	if limit <= 0 {
		limit = defaultMaxResponse
	}
	// Read one byte past the limit to tell "exactly at limit" from "cut off".
	n, err := buf.ReadFrom(io.LimitReader(conn, limit+1))
	if err != nil {
		return OriginResponse{}, fmt.Errorf("read from %s: %w", addr, err)
	}
	res := OriginResponse{Bytes: buf.Bytes()}
	if n > limit {
		res.Bytes = res.Bytes[:limit]
		res.Truncated = true
	}
	return res, nil
}

func originRequest(host string, port int, path string) []byte {
	hostHeader := host
	if port != defaultPort {
		hostHeader = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return []byte("GET " + path + " HTTP/1.1\r\n" +
		"Host: " + hostHeader + "\r\n" +
		"Connection: close\r\n" +
		"\r\n")
}
