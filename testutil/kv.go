// Package testutil provides in-memory test doubles for xcmon infrastructure:
// a linearizable KV store, notification sinks and event builders.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sodazone/xcmon/natsclient"
)

type memEntry struct {
	value    []byte
	revision uint64
}

// MemKV is an in-memory implementation of natsclient.KV. All operations on
// a key are serialized under one mutex, matching the linearizability the
// engine requires from the real bucket.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	nextRev uint64

	// FailNext makes the next mutating operation return ErrStorageFailure,
	// for exercising storage-failure propagation.
	FailNext bool
}

// ErrStorageFailure is returned by MemKV when FailNext is armed.
var ErrStorageFailure = errors.New("testutil: storage unavailable")

var _ natsclient.KV = (*MemKV)(nil)

// NewMemKV creates an empty in-memory KV store.
func NewMemKV() *MemKV {
	return &MemKV{entries: make(map[string]memEntry)}
}

func (m *MemKV) failArmed() bool {
	if m.FailNext {
		m.FailNext = false
		return true
	}
	return false
}

// Get returns the entry at key or natsclient.ErrKVKeyNotFound.
func (m *MemKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	value := append([]byte(nil), e.value...)
	return &natsclient.KVEntry{Key: key, Value: value, Revision: e.revision}, nil
}

// Put creates or replaces the entry at key.
func (m *MemKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failArmed() {
		return 0, ErrStorageFailure
	}
	m.nextRev++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.nextRev}
	return m.nextRev, nil
}

// Create stores the entry only if the key is absent.
func (m *MemKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failArmed() {
		return 0, ErrStorageFailure
	}
	if _, ok := m.entries[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}
	m.nextRev++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.nextRev}
	return m.nextRev, nil
}

// Update replaces the entry only if it is still at revision.
func (m *MemKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failArmed() {
		return 0, ErrStorageFailure
	}
	e, ok := m.entries[key]
	if !ok || e.revision != revision {
		return 0, natsclient.ErrKVRevisionMismatch
	}
	m.nextRev++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.nextRev}
	return m.nextRev, nil
}

// Delete removes the entry at key.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failArmed() {
		return ErrStorageFailure
	}
	if _, ok := m.entries[key]; !ok {
		return natsclient.ErrKVKeyNotFound
	}
	delete(m.entries, key)
	return nil
}

// DeleteRevision removes the entry only if it is still at revision.
func (m *MemKV) DeleteRevision(_ context.Context, key string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failArmed() {
		return ErrStorageFailure
	}
	e, ok := m.entries[key]
	if !ok {
		return natsclient.ErrKVKeyNotFound
	}
	if e.revision != revision {
		return natsclient.ErrKVRevisionMismatch
	}
	delete(m.entries, key)
	return nil
}

// Keys returns all keys in lexicographic order.
func (m *MemKV) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries.
func (m *MemKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
