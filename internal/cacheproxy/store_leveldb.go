package cacheproxy

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const defaultLevelDBPath = "./data/leveldb"

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type diskMeta struct {
	Size     int64
	StoredAt int64 // unix seconds
}

// levelStore keeps entries under "e:<key>" and a small gob-encoded meta
// record under "m:<key>". Both are written in one batch.
type levelStore struct {
	db *leveldb.DB

	mu        sync.Mutex
	index     map[CacheKey]diskMeta
	totalSize int64
}

func newLevelStore(path string) (*levelStore, error) {
	if path == "" {
		path = defaultLevelDBPath
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &levelStore{db: db, index: map[CacheKey]diskMeta{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[CacheKey]diskMeta{}
	for it.Next() {
		key := CacheKey(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func entryKey(key CacheKey) []byte { return append(append([]byte{}, entryPrefix...), string(key)...) }
func metaKey(key CacheKey) []byte  { return append(append([]byte{}, metaPrefix...), string(key)...) }

func (s *levelStore) Exists(key CacheKey) bool {
	ok, err := s.db.Has(entryKey(key), nil)
	return err == nil && ok
}

func (s *levelStore) Read(key CacheKey) ([]byte, error) {
	b, err := s.db.Get(entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheRead, key, err)
	}
	return b, nil
}

func (s *levelStore) Write(key CacheKey, b []byte) error {
	meta := diskMeta{Size: int64(len(b)), StoredAt: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(key), b)
	batch.Put(metaKey(key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.totalSize -= old.Size
	}
	s.index[key] = meta
	s.totalSize += meta.Size
	s.mu.Unlock()
	return nil
}

// Usage reports the number of stored keys and their total size.
func (s *levelStore) Usage() (keys int, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index), s.totalSize
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
