// Package storage defines the opaque document store that stateful API
// objects persist through. Documents are JSON blobs addressed by key within
// a named collection; the store supports point reads and writes, deletion of
// a key or a whole collection, and finding documents whose top-level fields
// match a filter. Backends live in subpackages.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Store is the document store contract.
type Store interface {
	// Get retrieves the item stored under key. A missing or expired key
	// yields (nil, nil); errors are reserved for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key given via WithKey, or the entire collection
	// when no key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Find returns every unexpired document in the collection whose decoded
	// JSON matches filter. A nil filter matches everything.
	Find(ctx context.Context, filter Filter, opts ...Option) ([]Document, error)

	// Close releases the backend's resources.
	Close() error
}

// Item is one stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Document pairs a key with its stored item, as returned by Find.
type Document struct {
	Key  string
	Item *Item
}

// Filter matches documents by exact top-level field values. Values are
// compared after JSON normalization, so a filter built from Go values
// matches documents decoded from the wire.
type Filter map[string]any

// Matches reports whether the JSON document raw satisfies every field of
// the filter. Non-JSON documents match only the nil filter.
func (f Filter) Matches(raw []byte) bool {
	if len(f) == 0 {
		return true
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for field, want := range f {
		got, ok := doc[field]
		if !ok {
			return false
		}
		normalized, err := json.Marshal(want)
		if err != nil {
			return false
		}
		if !bytes.Equal(bytes.TrimSpace(got), normalized) {
			return false
		}
	}
	return true
}

// Option configures one store operation.
type Option func(*Options)

// Options is the resolved form backends consume.
type Options struct {
	Collection string         // "" addresses the global collection
	Key        *string        // Delete target; nil deletes the collection
	TTL        *time.Duration // nil stores without expiry
}

// NewOptions resolves a slice of options.
func NewOptions(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// WithCollection scopes the operation to a named collection.
func WithCollection(name string) Option {
	return func(o *Options) { o.Collection = name }
}

// WithKey names the Delete target. Without it, Delete removes the whole
// collection.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live on the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}
