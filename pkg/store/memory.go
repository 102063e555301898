package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryBackend is a map-backed Backend for tests and ephemeral runs.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: map[string][]byte{}}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	if b == nil {
		return nil, false, errors.New("memory backend: nil backend")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (b *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	if b == nil {
		return errors.New("memory backend: nil backend")
	}
	if key == "" {
		return errors.New("memory backend: key is empty")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = cp
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	if b == nil {
		return errors.New("memory backend: nil backend")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
