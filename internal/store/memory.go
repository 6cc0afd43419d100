package store

import (
	"context"
	"encoding/json"
	"sync"
)

type keyspace struct {
	order  []string
	values map[string]json.RawMessage
}

// Memory is the default in-process backend. Its contents live as long as the value.
type Memory struct {
	mu     sync.RWMutex
	spaces map[Kind]*keyspace
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{spaces: make(map[Kind]*keyspace, len(Kinds))}
	for _, k := range Kinds {
		m.spaces[k] = &keyspace{values: map[string]json.RawMessage{}}
	}
	return m
}

func (m *Memory) Put(_ context.Context, kind Kind, key string, value json.RawMessage) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	v := clone(value)
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.spaces[kind]
	if _, exists := ks.values[key]; !exists {
		ks.order = append(ks.order, key)
	}
	ks.values[key] = v
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, kind Kind, key string, value json.RawMessage) (json.RawMessage, bool, error) {
	if err := checkKind(kind); err != nil {
		return nil, false, err
	}
	v := clone(value)
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.spaces[kind]
	if existing, ok := ks.values[key]; ok {
		return clone(existing), false, nil
	}
	ks.order = append(ks.order, key)
	ks.values[key] = v
	return clone(v), true, nil
}

func (m *Memory) Get(_ context.Context, kind Kind, key string) (json.RawMessage, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.spaces[kind].values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) List(_ context.Context, kind Kind) ([]json.RawMessage, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ks := m.spaces[kind]
	out := make([]json.RawMessage, 0, len(ks.order))
	for _, key := range ks.order {
		out = append(out, clone(ks.values[key]))
	}
	return out, nil
}

// Len returns the number of entries of kind.
func (m *Memory) Len(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ks, ok := m.spaces[kind]; ok {
		return len(ks.order)
	}
	return 0
}

func (m *Memory) Close() error { return nil }

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
