package presence

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// MemoryRegistry is the single-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{users: make(map[string]map[string]struct{})}
}

func (m *MemoryRegistry) SetOnline(_ context.Context, userID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		m.users[userID] = conns
	}
	first := len(conns) == 0
	conns[connID] = struct{}{}
	return first
}

func (m *MemoryRegistry) SetOffline(_ context.Context, userID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.users[userID]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(m.users, userID)
	return true
}

func (m *MemoryRegistry) IsOnline(_ context.Context, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID]) > 0
}

func (m *MemoryRegistry) ListOnline(_ context.Context) []string {
	m.mu.RLock()
	ids := lo.Keys(m.users)
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
