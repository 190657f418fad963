// Package memory implements storage.Store in process memory, backed by
// github.com/hashicorp/golang-lru/v2 so unbounded collections shed their
// oldest entries instead of growing without limit.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/remapi/remapi/storage"
)

const cleanupInterval = 5 * time.Minute

// Store implements storage.Store in memory.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]
	done  chan struct{}
}

// New builds a memory store holding at most maxItems documents across all
// collections.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	s := &Store{cache: cache, done: make(chan struct{})}
	go s.cleanupExpired()
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.NewOptions(opts)
	cacheKey := buildKey(o.Collection, key)

	s.mu.RLock()
	item, ok := s.cache.Get(cacheKey)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(cacheKey)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.NewOptions(opts)

	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		expiresAt := now.Add(*o.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(buildKey(o.Collection, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.NewOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.cache.Remove(buildKey(o.Collection, *o.Key))
		return nil
	}
	prefix := collectionPrefix(o.Collection)
	for _, cacheKey := range s.cache.Keys() {
		if strings.HasPrefix(cacheKey, prefix) {
			s.cache.Remove(cacheKey)
		}
	}
	return nil
}

func (s *Store) Find(ctx context.Context, filter storage.Filter, opts ...storage.Option) ([]storage.Document, error) {
	o := storage.NewOptions(opts)
	prefix := collectionPrefix(o.Collection)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []storage.Document
	for _, cacheKey := range s.cache.Keys() {
		if !strings.HasPrefix(cacheKey, prefix) {
			continue
		}
		item, ok := s.cache.Peek(cacheKey)
		if !ok || item.IsExpired() {
			continue
		}
		if !filter.Matches(item.Data) {
			continue
		}
		docs = append(docs, storage.Document{
			Key:  strings.TrimPrefix(cacheKey, prefix),
			Item: item,
		})
	}
	return docs, nil
}

// Close stops the expiry sweep and drops all documents.
func (s *Store) Close() error {
	close(s.done)
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(collection, key string) string {
	return collectionPrefix(collection) + key
}

func collectionPrefix(collection string) string {
	if collection == "" {
		return "g:"
	}
	return "c:" + collection + ":"
}

func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, cacheKey := range s.cache.Keys() {
				if item, ok := s.cache.Peek(cacheKey); ok && item.IsExpired() {
					s.cache.Remove(cacheKey)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ storage.Store = (*Store)(nil)
