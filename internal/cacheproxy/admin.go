package cacheproxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type adminStats struct {
	statsSnapshot
	CachedKeys int   `json:"cachedKeys,omitempty"`
	CacheBytes int64 `json:"cacheBytes,omitempty"`
}

type adminEntry struct {
	Key     CacheKey `json:"key"`
	Exists  bool     `json:"exists"`
	Verdict string   `json:"verdict,omitempty"`
	Bytes   int      `json:"bytes,omitempty"`
}

// AdminHandler serves health, counters and per-key cache inspection. It is
// meant for a separate, private listener.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", s.handleAdminStats)
	r.Get("/cache/*", s.handleAdminEntry)
	return r
}

func (s *Service) handleAdminStats(w http.ResponseWriter, _ *http.Request) {
	out := adminStats{statsSnapshot: s.stats.Snapshot()}
	if u, ok := s.store.(usageReporter); ok {
		out.CachedKeys, out.CacheBytes = u.Usage()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminEntry reports on the entry for /cache/<host>/<path>.
func (s *Service) handleAdminEntry(w http.ResponseWriter, r *http.Request) {
	host, _, path, err := splitTarget(chi.URLParam(r, "*"))
	if err == nil && host == "" {
		err = ErrMalformedRequest
	}
	var key CacheKey
	if err == nil {
		key, err = s.keys.Resolve(host, path)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out := adminEntry{Key: key}
	b, err := s.store.Read(key)
	switch {
	case err == nil:
		out.Exists = true
		out.Bytes = len(b)
		out.Verdict = Evaluate(b, s.now()).String()
	case errors.Is(err, ErrCacheMiss):
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache read failed"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
