package cacheproxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cacheproxy.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8888
  readTimeout: 3s
cache:
  backend: leveldb
  path: /tmp/cp
  ram:
    entries: 100
origin:
  timeout: 5s
  maxResponse: 2mb
prefetch:
  concurrency: 8
logging:
  level: info
  logStatsEvery: 1m
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "127.0.0.1:8888" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.Server.readTimeoutDur != 3*time.Second || cfg.Origin.timeoutDur != 5*time.Second {
		t.Errorf("durations = %s, %s", cfg.Server.readTimeoutDur, cfg.Origin.timeoutDur)
	}
	if cfg.Origin.maxResponse != 2<<20 {
		t.Errorf("maxResponse = %d", cfg.Origin.maxResponse)
	}
	if cfg.Cache.Backend != BackendLevelDB || cfg.Cache.RAM.Entries != 100 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Prefetch.Concurrency != 8 || cfg.Prefetch.timeoutDur != 30*time.Second {
		t.Errorf("prefetch = %+v", cfg.Prefetch)
	}
	if cfg.LogLevel() != zerolog.InfoLevel || cfg.Logging.logStatsEveryDur != time.Minute {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Cache.Backend != BackendFS || cfg.Cache.Root != "." {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Origin.maxResponse != 1<<20 || cfg.Prefetch.Concurrency != defaultPrefetchN {
		t.Errorf("origin = %+v, prefetch = %+v", cfg.Origin, cfg.Prefetch)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("default config has no port and must not validate")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"bad backend":  "cache: {backend: redis}",
		"bad duration": "origin: {timeout: soon}",
		"zero timeout": "server: {readTimeout: 0s}",
		"bad size":     "origin: {maxResponse: lots}",
		"bad level":    "logging: {level: loud}",
		"negative ram": "cache: {ram: {entries: -1}}",
		"not yaml":     "server: [",
	}
	for name, body := range tests {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"512":  512,
		"64k":  64 << 10,
		"64kb": 64 << 10,
		"1mb":  1 << 20,
		" 1M ": 1 << 20,
		"1.5g": 3 << 29,
		"0":    0,
		"100b": 100,
	}
	for in, want := range tests {
		got, err := parseBytes(in)
		if err != nil || got != want {
			t.Errorf("parseBytes(%q) = %d, %v, want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "b", "kb", "-1k", "ten"} {
		if _, err := parseBytes(in); err == nil {
			t.Errorf("parseBytes(%q) accepted", in)
		}
	}
}
