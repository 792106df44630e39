package formflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

// codec sorts map keys so equal drafts always encode to equal bytes.
var codec = sonic.ConfigStd

// DefaultStorageKey is the draft key used when a session is not given one.
const DefaultStorageKey = "medical-intake-form"

// Storage persists a session's section data as one JSON document per key.
// Load returns nil data and a nil error when the key has never been written.
type Storage interface {
	Save(ctx context.Context, key string, data map[string]map[string]any) error
	Load(ctx context.Context, key string) (map[string]map[string]any, error)
	Clear(ctx context.Context, key string) error
}

// MemoryStorage keeps encoded drafts in a map. Values are stored as JSON so
// callers never share mutable state with the store.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string][]byte)}
}

func (m *MemoryStorage) Save(_ context.Context, key string, data map[string]map[string]any) error {
	if data == nil {
		data = map[string]map[string]any{}
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode draft %s: %w", key, err)
	}
	m.mu.Lock()
	m.items[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Load(_ context.Context, key string) (map[string]map[string]any, error) {
	m.mu.RLock()
	raw, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var out map[string]map[string]any
	if err := codec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", key, err)
	}
	if out == nil {
		out = map[string]map[string]any{}
	}
	return out, nil
}

func (m *MemoryStorage) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Raw returns the encoded payload stored under key.
func (m *MemoryStorage) Raw(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.items[key]
	return raw, ok
}
