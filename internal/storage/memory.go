package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps objects in process memory. It backs tests and local dry runs.
type MemoryStore struct {
	bucket string

	mu      sync.RWMutex
	objects map[string][]byte

	// FailPut, when set, is consulted before every Put; a non-nil result fails the write.
	FailPut func(key string) error
}

func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "memory"
	}
	return &MemoryStore{bucket: bucket, objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return fmt.Errorf("failed to put object %s: %w", key, err)
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body for %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short body for %s: got %d bytes, declared %d", key, len(data), size)
	}

	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, k := range s.Keys(key) {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Keys(prefix), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) URI(prefix string) string {
	return bucketURI(s.bucket, prefix)
}

// Keys returns the sorted keys starting with prefix.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Object returns a copy of the stored bytes for key.
func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
