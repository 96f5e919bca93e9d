package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Memory is an in-process BlobStore. It backs tests and ephemeral runs
// (DB_PATH=":memory:") where nothing has to survive a restart.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	capacity uint64
}

// DefaultMemoryCapacity is the volume size a Memory store reports.
const DefaultMemoryCapacity = 2 << 30

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte), capacity: DefaultMemoryCapacity}
}

// SetCapacity changes the volume size reported by Usage.
func (m *Memory) SetCapacity(total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capacity = total
}

// Usage reports the configured capacity minus the bytes held.
func (m *Memory) Usage(_ context.Context) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var used uint64
	for _, v := range m.data {
		used += uint64(len(v))
	}

	if used > m.capacity {
		return Usage{Total: m.capacity}, nil
	}

	return Usage{Total: m.capacity, Available: m.capacity - used}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return bytes.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = bytes.Clone(value)

	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

func (m *Memory) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return int64(len(data)), m.Set(ctx, key, data)
}

func (m *Memory) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Size(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return 0, ErrNotFound
	}

	return int64(len(v)), nil
}

// Keys returns the stored keys; used by tests to assert cleanup.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}

	return keys
}
