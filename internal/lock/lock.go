// Package lock serialises mutating operations per server.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when the key is already held.
var ErrBusy = errors.New("operation already in progress")

// Release frees a held lock. Calling it more than once is harmless.
type Release func()

// Locker acquires exclusive, expiring locks by key.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// ServerKey is the lock key guarding mutations of one server.
func ServerKey(serverID string) string {
	return "server:" + serverID
}

type entry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]entry
	now  func() time.Time
}

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]entry), now: time.Now}
}

// TryAcquire takes key if it is free or expired.
func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, ErrBusy
	}
	token := uuid.NewString()
	m.held[key] = entry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e, ok := m.held[key]; ok && e.token == token {
				delete(m.held, key)
			}
		})
	}, nil
}
