package cacheproxy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LinkExtractor pulls candidate resource URLs out of a response body.
type LinkExtractor interface {
	Links(body []byte) []string
}

// attrScanner is a lightweight href/src scan. It does not parse HTML.
type attrScanner struct{}

var attrLink = regexp.MustCompile(`(href|src)=["']?([^"' >]+)`)

func (attrScanner) Links(body []byte) []string {
	matches := attrLink.FindAllSubmatch(body, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, string(m[2]))
	}
	return out
}

// Prefetcher mirrors resources linked from an HTML response into the store.
type Prefetcher struct {
	Fetcher     *Fetcher
	Store       Store
	Keys        KeyResolver
	Extractor   LinkExtractor
	Concurrency int
	Log         zerolog.Logger

	// OnStored is called after each successful write. May be nil.
	OnStored func(key CacheKey)
}

// Prefetch fetches every same-origin link found in base, skipping the
// resource identified by excludePath. Failures are logged per link and
// never stop the others. It returns the number of entries stored.
func (p *Prefetcher) Prefetch(ctx context.Context, base []byte, host string, port int, excludePath string) int {
	if !isHTML(base) {
		return 0
	}
	exclude, _ := p.Keys.Resolve(host, excludePath)
	paths := p.collect(splitBody(base), host, port, excludePath, exclude)
	if len(paths) == 0 {
		return 0
	}

	g, ctx := errgroup.WithContext(ctx)
	if p.Concurrency > 0 {
		g.SetLimit(p.Concurrency)
	}
	stored := make(chan struct{}, len(paths))
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := p.fetchOne(ctx, host, port, path); err != nil {
				p.Log.Debug().Err(err).Str("path", path).Msg("prefetch failed")
				return nil
			}
			stored <- struct{}{}
			return nil
		})
	}
	_ = g.Wait()
	return len(stored)
}

func (p *Prefetcher) fetchOne(ctx context.Context, host string, port int, path string) error {
	key, err := p.Keys.Resolve(host, path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrefetch, err)
	}
	res, err := p.Fetcher.Fetch(ctx, host, port, path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrefetch, err)
	}
	if res.Truncated || len(res.Bytes) == 0 {
		return fmt.Errorf("%w: %s: incomplete response", ErrPrefetch, path)
	}
	if err := p.Store.Write(key, res.Bytes); err != nil {
		return fmt.Errorf("%w: %w", ErrPrefetch, err)
	}
	if p.OnStored != nil {
		p.OnStored(key)
	}
	return nil
}

// collect turns raw link values into unique request paths on (host, port).
func (p *Prefetcher) collect(body []byte, host string, port int, basePath string, exclude CacheKey) []string {
	extractor := p.Extractor
	if extractor == nil {
		extractor = attrScanner{}
	}
	seen := map[CacheKey]struct{}{}
	if exclude != "" {
		seen[exclude] = struct{}{}
	}

	var out []string
	for _, link := range extractor.Links(body) {
		path, ok := sameOriginPath(link, host, port, basePath)
		if !ok {
			continue
		}
		key, err := p.Keys.Resolve(host, path)
		if err != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, path)
	}
	return out
}

// sameOriginPath resolves a link against basePath and returns its request
// path if it points at the same host and port.
func sameOriginPath(link, host string, port int, basePath string) (string, bool) {
	link = strings.TrimSpace(link)
	if link == "" || strings.HasPrefix(link, "#") {
		return "", false
	}

	ref, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	switch ref.Scheme {
	case "", "http", "https":
	default:
		// mailto:, javascript:, data:, tel: and friends.
		return "", false
	}
	if ref.Host != "" {
		refPort := defaultPort
		if ref.Scheme == "https" {
			refPort = 443
		}
		if ps := ref.Port(); ps != "" {
			n, err := strconv.Atoi(ps)
			if err != nil {
				return "", false
			}
			refPort = n
		}
		if !strings.EqualFold(ref.Hostname(), host) || refPort != port {
			return "", false
		}
	}

	base, err := url.Parse(basePath)
	if err != nil {
		base = &url.URL{Path: "/"}
	}
	abs := base.ResolveReference(ref)
	path := abs.EscapedPath()
	if path == "" {
		path = "/"
	}
	path = strings.ReplaceAll(path, "/..", "")
	if abs.RawQuery != "" {
		path += "?" + abs.RawQuery
	}
	return path, true
}
