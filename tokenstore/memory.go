package tokenstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It is the default for tests and ephemeral CLIs.
type Memory struct {
	mu      sync.RWMutex
	access  string
	refresh string

	// failWith, when set, is returned (wrapped) by every write.
	failWith error
}

// NewMemory returns a Memory store seeded with the given tokens.
func NewMemory(access, refresh string) *Memory {
	return &Memory{access: access, refresh: refresh}
}

// FailWrites makes subsequent writes fail with err (nil restores normal behavior).
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Memory) LoadAccessToken(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access, nil
}

func (m *Memory) LoadRefreshToken(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refresh, nil
}

func (m *Memory) SaveAccessToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return storageErr("save access token", m.failWith)
	}
	m.access = token
	return nil
}

func (m *Memory) SaveRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return storageErr("save refresh token", m.failWith)
	}
	m.refresh = token
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return storageErr("clear", m.failWith)
	}
	m.access, m.refresh = "", ""
	return nil
}
