package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemoryBackend keeps records in process. With a checkpoint path every
// write is mirrored to a JSON file and reloaded on open.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
	path string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string][]byte{}}
}

// OpenFileBackend loads path if it exists and persists to it after each write.
func OpenFileBackend(path string) (*MemoryBackend, error) {
	m := &MemoryBackend{data: map[string][]byte{}, path: path}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MemoryBackend) Create(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return ErrKeyExists
	}
	m.data[key] = clone(value)
	return m.save()
}

func (m *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = clone(value)
	return m.save()
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(value), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return m.save()
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string][]byte{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// save writes the checkpoint through a temp file so readers never see a
// partial snapshot. Callers hold the lock.
func (m *MemoryBackend) save() error {
	if m.path == "" {
		return nil
	}
	snapshot := make(map[string]json.RawMessage, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *MemoryBackend) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for k, v := range snapshot {
		m.data[k] = []byte(v)
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
