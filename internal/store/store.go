// Package store is the key-value boundary the bridge mirrors into and out of.
//
// Redis is the production backend. Memory serves tests and dry runs. Watchers
// turn store mutations under a prefix into a stream of Change events.
package store

import (
	"context"
	"errors"
)

var (
	ErrStoreUnavailable = errors.New("store: unavailable")
	ErrKeyRequired      = errors.New("store: key required")
	ErrClosed           = errors.New("store: closed")
)

// Store is a flat byte keyspace.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key beginning with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Change is one observed mutation. Value is nil when Deleted is set.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Watcher streams changes to keys under prefix until ctx ends, then closes
// the channel.
type Watcher interface {
	Watch(ctx context.Context, prefix string) (<-chan Change, error)
}

func emit(ctx context.Context, out chan<- Change, ch Change) bool {
	select {
	case out <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}
