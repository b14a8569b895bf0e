// Package store defines the persistence contract for circuit state: a typed
// key-value store with nested scopes. Implementations live in memstore (tests,
// ephemeral runs) and badgerstore (durable runs).
package store

import "errors"

var (
	// ErrNotFound reports a key absent from the store.
	ErrNotFound = errors.New("key not found")
	// ErrManifestMismatch reports persisted state saved from a structurally
	// different circuit.
	ErrManifestMismatch = errors.New("circuit manifest mismatch")
)

// Store is a typed key-value scope. Keys are flat within one scope; Nested
// opens a child scope whose keys never collide with the parent's. All methods
// are safe for concurrent use.
type Store interface {
	PutInt64(key string, v int64) error
	Int64(key string) (int64, error)

	PutFloat64(key string, v float64) error
	Float64(key string) (float64, error)

	PutString(key string, v string) error
	String(key string) (string, error)

	PutInt64s(key string, v []int64) error
	Int64s(key string) ([]int64, error)

	PutFloat64s(key string, v []float64) error
	Float64s(key string) ([]float64, error)

	PutStrings(key string, v []string) error
	Strings(key string) ([]string, error)

	PutBytes(key string, v []byte) error
	Bytes(key string) ([]byte, error)

	// Keys returns the keys present in this scope, sorted.
	Keys() ([]string, error)

	// Nested opens the named child scope, creating it on first use.
	Nested(name string) Store

	// Close flushes and releases the store. Only the root scope should be
	// closed; closing a nested scope is a no-op.
	Close() error
}

// Restorable is an entity that can persist itself into a store scope and be
// rebuilt from it. The name keys the scope, so it must be stable across runs.
type Restorable interface {
	RestoreName() string
	Save(s Store) error
	Restore(s Store) error
}
