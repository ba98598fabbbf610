package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, notFound(key)
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value under key.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Keys lists all keys.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// MemoryProvider hands out independent in-memory namespaces.
type MemoryProvider struct {
	mu         sync.Mutex
	namespaces map[string]*Memory
}

// NewMemoryProvider creates a provider of in-memory namespaces.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{namespaces: make(map[string]*Memory)}
}

// Namespace returns the namespace called name, creating it on first use.
func (p *MemoryProvider) Namespace(name string) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ns, ok := p.namespaces[name]
	if !ok {
		ns = NewMemory()
		p.namespaces[name] = ns
	}
	return ns, nil
}

// Close is a no-op.
func (p *MemoryProvider) Close() error {
	return nil
}
