package cacheproxy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// hostPort splits a listener address into host and numeric port.
func hostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr %T", addr)
	}
	return tcp.IP.String(), tcp.Port
}

// closedPort returns a localhost port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestFetchSendsSynthesizedGET(t *testing.T) {
	seen := make(chan *http.Request, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(r.Context())
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()
	host, port := hostPort(t, origin.Listener.Addr())

	f := &Fetcher{Timeout: 5 * time.Second, MaxSize: 1 << 20}
	res, err := f.Fetch(context.Background(), host, port, "/a/b?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated {
		t.Fatal("small response marked truncated")
	}
	if !bytes.HasPrefix(res.Bytes, []byte("HTTP/1.1 200 OK\r\n")) || !bytes.HasSuffix(res.Bytes, []byte("\r\n\r\nhello")) {
		t.Fatalf("unexpected response %q", res.Bytes)
	}
	r := <-seen
	if r.Method != http.MethodGet || r.URL.RequestURI() != "/a/b?x=1" || !r.Close {
		t.Fatalf("origin saw %s %s close=%v", r.Method, r.URL.RequestURI(), r.Close)
	}
	if !strings.HasPrefix(r.Host, host) {
		t.Fatalf("origin saw Host %q", r.Host)
	}
}

func TestFetchTruncatesAtMaxSize(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
	}))
	defer origin.Close()
	host, port := hostPort(t, origin.Listener.Addr())

	f := &Fetcher{Timeout: 5 * time.Second, MaxSize: 512}
	res, err := f.Fetch(context.Background(), host, port, "/")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || len(res.Bytes) != 512 {
		t.Fatalf("Truncated=%v len=%d", res.Truncated, len(res.Bytes))
	}
}

func TestFetchUnreachable(t *testing.T) {
	f := &Fetcher{Timeout: 2 * time.Second}
	_, err := f.Fetch(context.Background(), "127.0.0.1", closedPort(t), "/")
	if !errors.Is(err, ErrOriginUnreachable) {
		t.Fatalf("err = %v, want ErrOriginUnreachable", err)
	}
}

func TestFetchTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		// Accept and never answer.
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()
	host, port := hostPort(t, ln.Addr())

	f := &Fetcher{Timeout: 200 * time.Millisecond}
	start := time.Now()
	if _, err := f.Fetch(context.Background(), host, port, "/"); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("fetch took %s", time.Since(start))
	}
}

func TestOriginRequestHostHeader(t *testing.T) {
	if got := string(originRequest("example.com", 80, "/x")); got != "GET /x HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n" {
		t.Fatalf("got %q", got)
	}
	if got := string(originRequest("example.com", 8080, "/")); !strings.Contains(got, "Host: example.com:8080\r\n") {
		t.Fatalf("got %q", got)
	}
}
