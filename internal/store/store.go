// Package store is the durable persistence layer for the session subsystem.
//
// Two tiers are exposed through Tiered: a crash-durable SQLite tier that is
// the single source of truth, and a process-lifetime in-memory tier used as a
// read cache. Every mutation lands in the durable tier before any in-memory
// state advances, so a crash between the two loses only warm cache.
package store

import "context"

// Op is one entry of a commit batch: a put, or a tombstone deleting the key.
type Op struct {
	Key       string
	Value     []byte
	Tombstone bool
}

// Put returns a put op for key.
func Put(key string, value []byte) Op {
	return Op{Key: key, Value: value}
}

// Delete returns a tombstone op for key.
func Delete(key string) Op {
	return Op{Key: key, Tombstone: true}
}

// Store is a transactional key/value store. Commit applies the whole batch or
// none of it, and is durable before it returns nil. Get and Scan reflect the
// last successful commit. Callers must never assume a failed Commit wrote
// anything.
type Store interface {
	Commit(ctx context.Context, ops []Op) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}
