package store

import (
	"fmt"

	"github.com/buxton-project/buxton/internal/model"
)

// Memory is the in-memory backend used for tests and transient layers.
// Contents do not survive a restart. Memory holds
// insertion order alongside the map so List() matches the order keys
// were first set, the way a real file-backed store's directory order
// would behave — the "ordered map" idiom in place of a hand-rolled
// hashmap.
type Memory struct {
	entries map[string]model.Entry
	keys    map[string]model.Key
	order   []string
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]model.Entry),
		keys:    make(map[string]model.Key),
	}
}

// Set implements Backend.
func (m *Memory) Set(key model.Key, entry model.Entry) error {
	sk := key.StorageKey()
	if _, exists := m.entries[sk]; !exists {
		m.order = append(m.order, sk)
	}
	m.entries[sk] = entry
	m.keys[sk] = key
	return nil
}

// Get implements Backend.
func (m *Memory) Get(key model.Key) (model.Entry, error) {
	e, ok := m.entries[key.StorageKey()]
	if !ok {
		return model.Entry{}, fmt.Errorf("get %s: %w", key.StorageKey(), ErrNotFound)
	}
	return e, nil
}

// Unset implements Backend.
func (m *Memory) Unset(key model.Key) error {
	sk := key.StorageKey()
	if _, ok := m.entries[sk]; !ok {
		return fmt.Errorf("unset %s: %w", sk, ErrNotFound)
	}
	delete(m.entries, sk)
	delete(m.keys, sk)
	m.order = removeString(m.order, sk)
	return nil
}

// List implements Backend.
func (m *Memory) List() ([]model.Key, error) {
	keys := make([]model.Key, 0, len(m.order))
	for _, sk := range m.order {
		keys = append(keys, m.keys[sk])
	}
	return keys, nil
}

// Close implements Backend. The in-memory backend holds no resources.
func (m *Memory) Close() error { return nil }

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

var _ Backend = (*Memory)(nil)
