package store

import (
	"context"
	"sync"
)

// Tiered layers a process-lifetime read cache over a durable Store. Writes go
// to the durable tier first; only after that commit succeeds does the cache
// advance. The cache starts empty on every construction and is never
// persisted or reconciled, just discarded with the process.
type Tiered struct {
	durable Store
	mu      sync.RWMutex
	cache   map[string][]byte
}

// NewTiered wraps durable with a fresh, empty cache.
func NewTiered(durable Store) *Tiered {
	return &Tiered{
		durable: durable,
		cache:   make(map[string][]byte),
	}
}

func (t *Tiered) Commit(ctx context.Context, ops []Op) error {
	if err := t.durable.Commit(ctx, ops); err != nil {
		return err
	}

	t.mu.Lock()
	for _, op := range ops {
		if op.Tombstone {
			delete(t.cache, op.Key)
		} else {
			t.cache[op.Key] = op.Value
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.RLock()
	value, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return value, true, nil
	}

	value, ok, err := t.durable.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	t.mu.Lock()
	t.cache[key] = value
	t.mu.Unlock()
	return value, true, nil
}

// Scan always reads through to the durable tier: the cache may not hold every
// key under the prefix, and the durable tier is the source of truth.
func (t *Tiered) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	return t.durable.Scan(ctx, prefix)
}

func (t *Tiered) Close() error {
	return t.durable.Close()
}
