package cacheproxy

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const defaultSQLitePath = "./data/cache.db"

// sqliteStore keeps all entries in a single table. Writers are serialized;
// INSERT OR REPLACE swaps a row in one statement.
type sqliteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

func newSQLiteStore(filename string) (*sqliteStore, error) {
	switch filename {
	case "":
		filename = defaultSQLitePath
	case "memory":
		filename = "file::memory:?cache=shared"
	}
	if filename != "file::memory:?cache=shared" {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			stored_at INTEGER,
			bytes BLOB
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Exists(key CacheKey) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE key = ?", string(key)).Scan(&one)
	return err == nil
}

func (s *sqliteStore) Read(key CacheKey) ([]byte, error) {
	var b []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE key = ?", string(key)).Scan(&b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheRead, key, err)
	}
	return b, nil
}

func (s *sqliteStore) Write(key CacheKey, b []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, stored_at, bytes) VALUES (?, ?, ?)",
		string(key), time.Now().Unix(), b,
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Usage() (keys int, size int64) {
	var n int
	var total sql.NullInt64
	if err := s.db.QueryRow("SELECT COUNT(*), SUM(LENGTH(bytes)) FROM cache").Scan(&n, &total); err != nil {
		return 0, 0
	}
	return n, total.Int64
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
