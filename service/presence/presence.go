package presence

import (
	"context"
	"sync"
	"time"
)

// Tracker keeps the per-user online flag. SetOnline/SetOffline are idempotent
// and last-write-wins; there is no automatic timeout here, heartbeat expiry
// belongs to the transport layer if it wants one.
type Tracker interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	BulkIsOnline(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type record struct {
	online       bool
	transitionMS int64
}

// Memory is the in-process Tracker.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*record
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]*record)}
}

func (m *Memory) set(userID string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		r = &record{}
		m.users[userID] = r
	}
	r.online = online
	r.transitionMS = time.Now().UnixMilli()
}

func (m *Memory) SetOnline(_ context.Context, userID string) error {
	m.set(userID, true)
	return nil
}

func (m *Memory) SetOffline(_ context.Context, userID string) error {
	m.set(userID, false)
	return nil
}

func (m *Memory) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.users[userID]
	return ok && r.online, nil
}

func (m *Memory) BulkIsOnline(_ context.Context, userIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		r, ok := m.users[id]
		out[id] = ok && r.online
	}
	return out, nil
}
