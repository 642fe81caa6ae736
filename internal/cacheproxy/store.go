package cacheproxy

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Store reads and writes raw cached responses by key. It is the only
// component that touches the backing storage.
//
// Implementations must be safe for concurrent use, and a Write must never be
// observable as a partially written entry.
type Store interface {
	Exists(key CacheKey) bool
	// Read returns ErrCacheMiss when the key is absent and wraps ErrCacheRead
	// for any other failure.
	Read(key CacheKey) ([]byte, error)
	Write(key CacheKey, b []byte) error
	Close() error
}

const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
)

// OpenStore builds the backend named in cfg and wraps it with the RAM tier
// when one is configured.
func OpenStore(cfg Config, log zerolog.Logger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Cache.Backend {
	case "", BackendFS:
		st, err = newFSStore(cfg.Cache.Root)
	case BackendLevelDB:
		st, err = newLevelStore(cfg.Cache.Path)
	case BackendSQLite:
		st, err = newSQLiteStore(cfg.Cache.Path)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Cache.Backend, err)
	}
	log.Info().Str("backend", cfg.Cache.Backend).Msg("cache store opened")

	if n := cfg.Cache.RAM.Entries; n > 0 {
		ram, err := newRAMStore(n, st)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Info().Int("entries", n).Msg("ram tier enabled")
		return ram, nil
	}
	return st, nil
}
