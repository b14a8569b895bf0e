// Package badgerstore is the durable store implementation, backed by a Badger
// key-value database with msgpack-encoded values. Nested scopes map to key
// prefixes within one database.
package badgerstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/fieldgrid/internal/store"
)

// Badger implements store.Store. Every scope shares the root's database
// handle; only closing the root closes the database.
type Badger struct {
	db     *badger.DB
	prefix string
	root   bool
}

// Open opens or creates the database at dir. An empty dir opens an in-memory
// database, useful for tests.
func Open(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Badger{db: db, root: true}, nil
}

func (b *Badger) key(k string) []byte {
	return []byte(b.prefix + k)
}

func (b *Badger) put(key string, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(key), raw)
	})
}

func get[T any](b *Badger, key string) (T, error) {
	var out T
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return msgpack.Unmarshal(raw, &out)
		})
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (b *Badger) PutInt64(key string, v int64) error        { return b.put(key, v) }
func (b *Badger) Int64(key string) (int64, error)           { return get[int64](b, key) }
func (b *Badger) PutFloat64(key string, v float64) error    { return b.put(key, v) }
func (b *Badger) Float64(key string) (float64, error)       { return get[float64](b, key) }
func (b *Badger) PutString(key string, v string) error      { return b.put(key, v) }
func (b *Badger) String(key string) (string, error)         { return get[string](b, key) }
func (b *Badger) PutInt64s(key string, v []int64) error     { return b.put(key, v) }
func (b *Badger) Int64s(key string) ([]int64, error)        { return get[[]int64](b, key) }
func (b *Badger) PutFloat64s(key string, v []float64) error { return b.put(key, v) }
func (b *Badger) Float64s(key string) ([]float64, error)    { return get[[]float64](b, key) }
func (b *Badger) PutStrings(key string, v []string) error   { return b.put(key, v) }
func (b *Badger) Strings(key string) ([]string, error)      { return get[[]string](b, key) }
func (b *Badger) PutBytes(key string, v []byte) error       { return b.put(key, v) }
func (b *Badger) Bytes(key string) ([]byte, error)          { return get[[]byte](b, key) }

// Keys lists this scope's own keys, excluding nested scopes.
func (b *Badger) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(b.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := strings.TrimPrefix(string(it.Item().Key()), b.prefix)
			if strings.Contains(k, "/") {
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Badger) Nested(name string) store.Store {
	return &Badger{db: b.db, prefix: b.prefix + name + "/"}
}

func (b *Badger) Close() error {
	if !b.root {
		return nil
	}
	return b.db.Close()
}
