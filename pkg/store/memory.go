package store

import (
	"bytes"
	"context"
	"sync"
)

// Memory is a process-local Store used by tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	regions map[string]map[string][]byte
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{regions: make(map[string]map[string][]byte)}
}

func (m *Memory) View(ctx context.Context, fn func(Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memoryTx{base: m.regions})
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memoryTx{base: m.regions, pending: make(map[string]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for region, entries := range tx.pending {
		if m.regions[region] == nil {
			m.regions[region] = make(map[string][]byte)
		}
		for k, v := range entries {
			m.regions[region][k] = v
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	base    map[string]map[string][]byte
	pending map[string]map[string][]byte
}

func (t *memoryTx) Get(region string, key []byte) ([]byte, error) {
	if v, ok := t.pending[region][string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	if v, ok := t.base[region][string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrNotFound
}

func (t *memoryTx) Last(region string) ([]byte, []byte, error) {
	var bestKey string
	var bestVal []byte
	found := false
	visit := func(entries map[string][]byte) {
		for k, v := range entries {
			if !found || bytes.Compare([]byte(k), []byte(bestKey)) > 0 {
				bestKey, bestVal, found = k, v, true
			}
		}
	}
	visit(t.base[region])
	visit(t.pending[region])
	if !found {
		return nil, nil, ErrNotFound
	}
	if v, ok := t.pending[region][bestKey]; ok {
		bestVal = v
	}
	return []byte(bestKey), append([]byte(nil), bestVal...), nil
}

func (t *memoryTx) Put(region string, key, value []byte) error {
	if t.pending == nil {
		return ErrReadOnly
	}
	if t.pending[region] == nil {
		t.pending[region] = make(map[string][]byte)
	}
	t.pending[region][string(key)] = append([]byte(nil), value...)
	return nil
}
