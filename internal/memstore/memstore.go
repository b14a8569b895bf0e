// Package memstore is the in-memory store implementation: fast, ephemeral,
// safe for concurrent use. The default for tests and dry runs.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/fieldgrid/internal/store"
)

// Memory implements store.Store on plain maps.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]any
	children map[string]*Memory
}

// New creates an empty root scope.
func New() *Memory {
	return &Memory{
		values:   make(map[string]any),
		children: make(map[string]*Memory),
	}
}

func (m *Memory) put(key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	return nil
}

func get[T any](m *Memory, key string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zero T
	raw, ok := m.values[key]
	if !ok {
		return zero, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("key %q holds %T, not %T", key, raw, zero)
	}
	return v, nil
}

func (m *Memory) PutInt64(key string, v int64) error     { return m.put(key, v) }
func (m *Memory) Int64(key string) (int64, error)        { return get[int64](m, key) }
func (m *Memory) PutFloat64(key string, v float64) error { return m.put(key, v) }
func (m *Memory) Float64(key string) (float64, error)    { return get[float64](m, key) }
func (m *Memory) PutString(key string, v string) error   { return m.put(key, v) }
func (m *Memory) String(key string) (string, error)      { return get[string](m, key) }

func (m *Memory) PutInt64s(key string, v []int64) error {
	return m.put(key, append([]int64(nil), v...))
}

func (m *Memory) Int64s(key string) ([]int64, error) {
	v, err := get[[]int64](m, key)
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), v...), nil
}

func (m *Memory) PutFloat64s(key string, v []float64) error {
	return m.put(key, append([]float64(nil), v...))
}

func (m *Memory) Float64s(key string) ([]float64, error) {
	v, err := get[[]float64](m, key)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), v...), nil
}

func (m *Memory) PutStrings(key string, v []string) error {
	return m.put(key, append([]string(nil), v...))
}

func (m *Memory) Strings(key string) ([]string, error) {
	v, err := get[[]string](m, key)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v...), nil
}

func (m *Memory) PutBytes(key string, v []byte) error {
	return m.put(key, append([]byte(nil), v...))
}

func (m *Memory) Bytes(key string) ([]byte, error) {
	v, err := get[[]byte](m, key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Nested(name string) store.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	child, ok := m.children[name]
	if !ok {
		child = New()
		m.children[name] = child
	}
	return child
}

func (m *Memory) Close() error { return nil }
