// Package redis implements storage.Store on Redis. Documents are stored as
// JSON-wrapped values so creation time and expiry survive the round trip,
// and collection scans use SCAN with a key-prefix pattern.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/remapi/remapi/storage"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	Addr      string `env:"REDIS_ADDR,default=localhost:6379"`
	Password  string `env:"REDIS_PASSWORD,default="`
	DB        int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"STORAGE_KEY_PREFIX,default=remapi:storage:"`

	// Client overrides Addr/Password/DB with a pre-built client.
	Client *redis.Client
}

// Store implements storage.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem is the JSON wrapper persisted in Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New builds a Redis store from cfg.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis address or client is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "remapi:storage:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}, nil
}

// NewFromEnv builds a store with Config populated from the environment.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis storage config: %w", err)
	}
	return New(cfg)
}

func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.NewOptions(opts)
	redisKey := s.buildKey(o.Collection, key)

	raw, err := s.client.Get(ctx, redisKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", redisKey, err)
	}

	item, err := decodeItem([]byte(raw))
	if err != nil {
		return nil, err
	}
	if item.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.NewOptions(opts)
	redisKey := s.buildKey(o.Collection, key)

	now := time.Now()
	wrapped := storedItem{Data: data, CreatedAt: now}
	var redisTTL time.Duration
	if o.TTL != nil {
		expiresAt := now.Add(*o.TTL)
		wrapped.ExpiresAt = &expiresAt
		redisTTL = *o.TTL
	}

	raw, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("marshal stored item: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, raw, redisTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", redisKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.NewOptions(opts)

	if o.Key != nil {
		redisKey := s.buildKey(o.Collection, *o.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", redisKey, err)
		}
		return nil
	}

	keys, err := s.scanKeys(ctx, s.buildKey(o.Collection, "*"))
	if err != nil {
		return fmt.Errorf("scan collection %q: %w", o.Collection, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("delete collection %q: %w", o.Collection, err)
		}
	}
	return nil
}

func (s *Store) Find(ctx context.Context, filter storage.Filter, opts ...storage.Option) ([]storage.Document, error) {
	o := storage.NewOptions(opts)
	prefix := s.collectionPrefix(o.Collection)

	keys, err := s.scanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan collection %q: %w", o.Collection, err)
	}

	var docs []storage.Document
	for _, redisKey := range keys {
		raw, err := s.client.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", redisKey, err)
		}
		item, err := decodeItem([]byte(raw))
		if err != nil {
			return nil, err
		}
		if item.IsExpired() || !filter.Matches(item.Data) {
			continue
		}
		docs = append(docs, storage.Document{
			Key:  strings.TrimPrefix(redisKey, prefix),
			Item: item,
		})
	}
	return docs, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func decodeItem(raw []byte) (*storage.Item, error) {
	var wrapped storedItem
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal stored item: %w", err)
	}
	return &storage.Item{
		Data:      wrapped.Data,
		CreatedAt: wrapped.CreatedAt,
		ExpiresAt: wrapped.ExpiresAt,
	}, nil
}

func (s *Store) buildKey(collection, key string) string {
	return s.collectionPrefix(collection) + key
}

func (s *Store) collectionPrefix(collection string) string {
	if collection == "" {
		return s.keyPrefix + "g:"
	}
	return s.keyPrefix + "c:" + collection + ":"
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Store = (*Store)(nil)
