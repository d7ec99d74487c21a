package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mksalih/salahguard/internal/domain"
)

// Memory is an in-memory StateStore with the same single-writer-per-key
// enforcement as the durable store. It backs unit tests and fakes; the
// real system always uses the encrypted on-disk store.
type Memory struct {
	mu    sync.RWMutex
	facts map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{facts: make(map[string][]byte)}
}

// Read returns the value for key, with ok=false if the key is unset.
func (m *Memory) Read(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.facts[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, true, nil
}

// Write stores value under key, enforcing key ownership.
func (m *Memory) Write(role domain.WriterRole, key string, value []byte) error {
	owner, err := ownerOf(key)
	if err != nil {
		return err
	}
	if owner != role {
		return fmt.Errorf("role %s may not write key %q (owned by %s)", role, key, owner)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.facts[key] = cp
	return nil
}

// Delete removes key, enforcing key ownership.
func (m *Memory) Delete(role domain.WriterRole, key string) error {
	owner, err := ownerOf(key)
	if err != nil {
		return err
	}
	if owner != role {
		return fmt.Errorf("role %s may not delete key %q (owned by %s)", role, key, owner)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts, key)
	return nil
}

// Keys returns all keys with the given prefix.
func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.facts {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// Ensure Memory implements domain.StateStore.
var _ domain.StateStore = (*Memory)(nil)
