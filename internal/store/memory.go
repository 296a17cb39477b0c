package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/toolagent/internal/domain"
)

// MemoryStore implements Repository in process memory. Checkpoints are stored
// as JSON so callers never share mutable state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	last    time.Time
}

type memoryEntry struct {
	raw       []byte
	updatedAt time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Save stores a copy of the checkpoint.
func (m *MemoryStore) Save(_ context.Context, cp *domain.Checkpoint) error {
	if cp == nil || cp.ThreadID == "" {
		return fmt.Errorf("save checkpoint: missing thread id")
	}

	now := time.Now().UTC()
	cp2 := *cp
	if cp2.CreatedAt.IsZero() {
		cp2.CreatedAt = now
	}
	cp2.UpdatedAt = now

	raw, err := json.Marshal(&cp2)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// saves sharing a clock tick must still order in ListThreadIDs
	if !now.After(m.last) {
		now = m.last.Add(time.Nanosecond)
	}
	m.last = now
	m.entries[cp.ThreadID] = memoryEntry{raw: raw, updatedAt: now}
	return nil
}

// Load returns a copy of the stored checkpoint.
func (m *MemoryStore) Load(_ context.Context, threadID string) (*domain.Checkpoint, error) {
	m.mu.RLock()
	entry, ok := m.entries[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load %s: %w", threadID, ErrNotFound)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(entry.raw, &cp); err != nil {
		return nil, fmt.Errorf("load %s: %w", threadID, ErrCorrupt)
	}
	if err := validate(&cp); err != nil {
		return nil, fmt.Errorf("load %s: %w", threadID, err)
	}
	return &cp, nil
}

// ListThreadIDs returns thread ids ordered by most recent save.
func (m *MemoryStore) ListThreadIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.entries[ids[i]].updatedAt, m.entries[ids[j]].updatedAt
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.After(b)
	})
	return ids, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
