package cacheproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// maxRequestHead caps the bytes read for the request line and headers.
	maxRequestHead = 1 << 20

	// Unread request bytes are drained for at most this long and this much
	// before close, so the client gets a FIN instead of a reset.
	lingerTimeout  = 500 * time.Millisecond
	maxLingerBytes = 256 << 10
)

// Service runs the cache-aware pipeline for every accepted connection.
type Service struct {
	cfg Config
	log zerolog.Logger

	store      Store
	keys       KeyResolver
	fetcher    *Fetcher
	prefetcher *Prefetcher

	// now is the clock used for freshness decisions.
	now func() time.Time

	inflight singleflight.Group
	bgSem    chan struct{}

	mu        sync.Mutex
	closing   bool
	listeners map[net.Listener]struct{}
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	queueLog *rateLimitedLogger
	stats    *statsCollector
}

func NewService(cfg Config, log zerolog.Logger) (*Service, error) {
	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		keys:  KeyResolver{Filler: DefaultFiller},
		fetcher: &Fetcher{
			Timeout: cfg.Origin.timeoutDur,
			MaxSize: cfg.Origin.maxResponse,
		},
		now:       time.Now,
		bgSem:     make(chan struct{}, 32),
		listeners: map[net.Listener]struct{}{},
		stopCh:    make(chan struct{}),
		queueLog:  newRateLimitedLogger(log, time.Minute),
		stats:     newStatsCollector(),
	}
	s.prefetcher = &Prefetcher{
		Fetcher:     s.fetcher,
		Store:       store,
		Keys:        s.keys,
		Extractor:   attrScanner{},
		Concurrency: cfg.Prefetch.Concurrency,
		Log:         log.With().Str("component", "prefetch").Logger(),
		OnStored:    func(CacheKey) { s.stats.prefetched.Add(1) },
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Serve accepts connections on ln until ln is closed or Close is called.
// Each connection is handled on its own goroutine.
func (s *Service) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		return net.ErrClosed
	}
	defer s.trackListener(ln, false)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn().Err(err).Dur("retry", tempDelay).Msg("accept")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !s.startWork() {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, waits for in-flight connections and background
// prefetches, then closes the store.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		close(s.stopCh)
		for ln := range s.listeners {
			_ = ln.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

func (s *Service) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.listeners[ln] = struct{}{}
		return true
	}
	delete(s.listeners, ln)
	return true
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// startWork registers a unit of work with the wait group unless the service
// is shutting down.
func (s *Service) startWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

type lookupKind int

const (
	lookupMiss lookupKind = iota
	lookupHit
	lookupStale
)

func (k lookupKind) String() string {
	switch k {
	case lookupHit:
		return "hit"
	case lookupStale:
		return "stale"
	default:
		return "miss"
	}
}

type lookupResult struct {
	kind    lookupKind
	entry   []byte
	verdict Verdict
}

func (s *Service) lookup(key CacheKey) lookupResult {
	if !s.store.Exists(key) {
		return lookupResult{kind: lookupMiss}
	}
	b, err := s.store.Read(key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn().Err(err).Str("key", string(key)).Msg("cache read failed, refetching")
		}
		return lookupResult{kind: lookupMiss}
	}
	if len(b) == 0 {
		return lookupResult{kind: lookupMiss}
	}
	v := Evaluate(b, s.now())
	if !v.Servable() {
		return lookupResult{kind: lookupStale, entry: b, verdict: v}
	}
	return lookupResult{kind: lookupHit, entry: b, verdict: v}
}

func (s *Service) handleConn(conn net.Conn) {
	defer lingerClose(conn)
	start := time.Now()
	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	_ = conn.SetReadDeadline(start.Add(s.cfg.Server.readTimeoutDur))
	req, err := readRequest(conn)
	if err != nil {
		s.stats.badRequest.Add(1)
		log.Debug().Err(err).Msg("rejecting request")
		s.replyStatus(conn, http.StatusBadRequest)
		return
	}
	key, err := s.keys.Resolve(req.Host, req.Path)
	if err != nil {
		s.stats.badRequest.Add(1)
		log.Debug().Err(err).Str("host", req.Host).Msg("rejecting request")
		s.replyStatus(conn, http.StatusBadRequest)
		return
	}
	log = log.With().Str("method", req.Method).Str("key", string(key)).Logger()

	res := s.lookup(key)
	switch res.kind {
	case lookupHit:
		s.stats.hits.Add(1)
		s.reply(conn, res.entry)
		log.Debug().
			Str("cache", res.kind.String()).
			Stringer("verdict", res.verdict).
			Int("bytes", len(res.entry)).
			Dur("took", time.Since(start)).
			Msg("served")
		return
	case lookupStale:
		s.stats.stale.Add(1)
	default:
		s.stats.misses.Add(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Origin.timeoutDur)
	defer cancel()
	origin, err := s.fetch(ctx, req)
	if err != nil {
		s.stats.badGateway.Add(1)
		log.Warn().Err(err).Str("cache", res.kind.String()).Msg("origin fetch failed")
		s.replyStatus(conn, http.StatusBadGateway)
		return
	}

	s.reply(conn, origin.Bytes)
	closeWrite(conn)

	s.persist(log, key, origin)
	if !s.cfg.Prefetch.Disabled && !origin.Truncated && isHTML(origin.Bytes) {
		s.prefetchAsync(req, origin.Bytes)
	}
	log.Debug().
		Str("cache", res.kind.String()).
		Int("bytes", len(origin.Bytes)).
		Bool("truncated", origin.Truncated).
		Dur("took", time.Since(start)).
		Msg("served")
}

// readRequest reads the request line. The header block is only read, best
// effort, for origin-form targets that need the Host header. At most
// maxRequestHead bytes are consumed from r.
func readRequest(r io.Reader) (ParsedRequest, error) {
	tp := textproto.NewReader(bufio.NewReader(io.LimitReader(r, maxRequestHead)))
	line, err := tp.ReadLine()
	if err != nil {
		return ParsedRequest{}, fmt.Errorf("%w: read request line: %v", ErrMalformedRequest, err)
	}
	req, err := ParseRequestLine(line)
	if err != nil {
		return ParsedRequest{}, err
	}

	if req.Host == "" {
		hdr, _ := tp.ReadMIMEHeader()
		host, port, err := splitHostPort(hdr.Get("Host"))
		if err != nil {
			return ParsedRequest{}, err
		}
		if host == "" {
			return ParsedRequest{}, fmt.Errorf("%w: no host in target or Host header", ErrMalformedRequest)
		}
		req.Host, req.Port = host, port
	}
	return req, nil
}

// fetch collapses concurrent misses for the same origin resource into one
// origin request.
func (s *Service) fetch(ctx context.Context, req ParsedRequest) (OriginResponse, error) {
	flightKey := req.Host + ":" + strconv.Itoa(req.Port) + req.Path
	v, err, _ := s.inflight.Do(flightKey, func() (any, error) {
		return s.fetcher.Fetch(ctx, req.Host, req.Port, req.Path)
	})
	if err != nil {
		return OriginResponse{}, err
	}
	return v.(OriginResponse), nil
}

func (s *Service) persist(log zerolog.Logger, key CacheKey, origin OriginResponse) {
	if origin.Truncated {
		log.Warn().Int64("limit", s.fetcher.MaxSize).Msg("response exceeds size limit, not caching")
		return
	}
	if len(origin.Bytes) == 0 {
		return
	}
	if err := s.store.Write(key, origin.Bytes); err != nil {
		log.Warn().Err(err).Msg("cache write failed")
	}
}

func (s *Service) prefetchAsync(req ParsedRequest, base []byte) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.queueLog.Warn("prefetch queue full, skipping")
		return
	}
	if !s.startWork() {
		<-s.bgSem
		return
	}
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Prefetch.timeoutDur)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		n := s.prefetcher.Prefetch(ctx, base, req.Host, req.Port, req.Path)
		s.log.Debug().
			Str("host", req.Host).
			Str("path", req.Path).
			Int("stored", n).
			Msg("prefetch done")
	}()
}

func (s *Service) reply(conn net.Conn, b []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Server.readTimeoutDur))
	if _, err := conn.Write(b); err != nil {
		s.log.Debug().Err(err).Msg("write to client")
		return
	}
	s.stats.Observe(len(b))
}

func (s *Service) replyStatus(conn net.Conn, code int) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Server.readTimeoutDur))
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code))
}

// closeWrite half-closes the client connection so it sees EOF while the
// response is persisted.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// lingerClose half-closes conn, discards whatever the client still sends
// (a request body, late headers) and then closes it.
func lingerClose(conn net.Conn) {
	closeWrite(conn)
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, maxLingerBytes))
	_ = conn.Close()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			ev := s.log.Info().
				Uint64("hits", ss.Hits).
				Uint64("misses", ss.Misses).
				Uint64("stale", ss.Stale).
				Uint64("badGateway", ss.BadGateway).
				Uint64("prefetched", ss.Prefetched).
				Str("respMinAvgMax", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes))
			if u, ok := s.store.(usageReporter); ok {
				keys, size := u.Usage()
				ev = ev.Int("cachedKeys", keys).Str("cacheSize", formatBytes(uint64(size)))
			}
			if rss, ok := processRSSBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("stats")
		}
	}
}
