package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
)

// Memory is a Backend held in process memory.
type Memory struct {
	mu      sync.RWMutex
	entries [namespaceCount]map[hash.Hash][]byte
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.entries {
		m.entries[i] = make(map[hash.Hash][]byte)
	}
	return m
}

var _ Backend = (*Memory)(nil)

func (m *Memory) Read(_ context.Context, ns Namespace, key hash.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.entries[ns][key]
	if !ok {
		return nil, failure.Wrapf(failure.ErrMissingEntry, "%s %s", ns, key)
	}
	return bytes.Clone(val), nil
}

func (m *Memory) Apply(_ context.Context, ns Namespace, batch []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range batch {
		if w.Value == nil {
			delete(m.entries[ns], w.Key)
		} else {
			m.entries[ns][w.Key] = bytes.Clone(w.Value)
		}
	}
	return nil
}

// Len reports the number of committed keys in ns.
func (m *Memory) Len(ns Namespace) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[ns])
}
