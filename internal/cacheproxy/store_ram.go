package cacheproxy

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ramStore is a write-through LRU of whole entries in front of a durable
// backend. Reads that miss the LRU fall through and populate it.
type ramStore struct {
	items *lru.Cache[CacheKey, []byte]
	next  Store
}

func newRAMStore(entries int, next Store) (*ramStore, error) {
	items, err := lru.New[CacheKey, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &ramStore{items: items, next: next}, nil
}

func (s *ramStore) Exists(key CacheKey) bool {
	return s.items.Contains(key) || s.next.Exists(key)
}

func (s *ramStore) Read(key CacheKey) ([]byte, error) {
	if b, ok := s.items.Get(key); ok {
		return b, nil
	}
	b, err := s.next.Read(key)
	if err != nil {
		return nil, err
	}
	s.items.Add(key, b)
	return b, nil
}

// Write persists first so the LRU never holds an entry the backend lacks.
func (s *ramStore) Write(key CacheKey, b []byte) error {
	if err := s.next.Write(key, b); err != nil {
		s.items.Remove(key)
		return err
	}
	s.items.Add(key, b)
	return nil
}

func (s *ramStore) Usage() (keys int, size int64) {
	if u, ok := s.next.(usageReporter); ok {
		return u.Usage()
	}
	return s.items.Len(), 0
}

func (s *ramStore) Close() error {
	s.items.Purge()
	return s.next.Close()
}
