package cacheproxy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// usageReporter is implemented by stores that can cheaply count their keys.
type usageReporter interface {
	Usage() (keys int, size int64)
}

type statsCollector struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	stale      atomic.Uint64
	badGateway atomic.Uint64
	badRequest atomic.Uint64
	prefetched atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records the size of a response written to a client.
func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Stale      uint64 `json:"stale"`
	BadGateway uint64 `json:"badGateway"`
	BadRequest uint64 `json:"badRequest"`
	Prefetched uint64 `json:"prefetched"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Stale:      s.stale.Load(),
		BadGateway: s.badGateway.Load(),
		BadRequest: s.badRequest.Load(),
		Prefetched: s.prefetched.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	ss.TotalResponses = count
	ss.TotalRespBytes = s.totalRespBytes.Load()
	ss.MinRespBytes = minv
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = ss.TotalRespBytes / count
	return ss
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
