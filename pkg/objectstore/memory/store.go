// Package memory provides an in-memory objectstore.Store for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// Store is an in-memory implementation of objectstore.Store.
type Store struct {
	mu     sync.RWMutex
	object map[string][]byte
	closed bool
}

// New creates a new empty in-memory store.
func New() *Store {
	return &Store{object: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}

	data, ok := s.object[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, cubisterr.ErrNotFound)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}

	if _, exists := s.object[key]; exists {
		return fmt.Errorf("key %q: %w", key, cubisterr.ErrAlreadyExists)
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	s.object[key] = copied
	return nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	s.object[key] = copied
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}

	var keys []string
	for key := range s.object {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}

	delete(s.object, key)
	return nil
}

// DeleteBatch implements objectstore.BatchDeleter under a single lock.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}

	for _, key := range keys {
		delete(s.object, key)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.object = nil
	return nil
}

// ObjectCount returns the number of objects stored, for test assertions.
func (s *Store) ObjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.object)
}

// TotalBytes returns the combined size of all stored objects, for test
// assertions.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, data := range s.object {
		total += int64(len(data))
	}
	return total
}

var (
	_ objectstore.Store        = (*Store)(nil)
	_ objectstore.BatchDeleter = (*Store)(nil)
)
