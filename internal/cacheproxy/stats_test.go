package cacheproxy

import "testing"

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	if ss := s.Snapshot(); ss.TotalResponses != 0 || ss.MinRespBytes != 0 {
		t.Fatalf("empty snapshot = %+v", ss)
	}
	for _, n := range []int{100, 10, 1000, -5} {
		s.Observe(n)
	}
	s.hits.Add(2)
	ss := s.Snapshot()
	if ss.TotalResponses != 4 || ss.MinRespBytes != 0 || ss.MaxRespBytes != 1000 || ss.AvgRespBytes != 277 {
		t.Fatalf("snapshot = %+v", ss)
	}
	if ss.Hits != 2 {
		t.Fatalf("hits = %d", ss.Hits)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{
		0:       "0b",
		1023:    "1023b",
		1024:    "1kb",
		1536:    "1.5kb",
		5 << 20: "5mb",
		3 << 30: "3gb",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
