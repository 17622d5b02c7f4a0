package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryExclusive(t *testing.T) {
	m := NewMemory()
	release, err := m.TryAcquire(context.Background(), ServerKey("s1"), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.TryAcquire(context.Background(), ServerKey("s1"), time.Minute); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := m.TryAcquire(context.Background(), ServerKey("s2"), time.Minute); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}
	release()
	release()
	if _, err := m.TryAcquire(context.Background(), ServerKey("s1"), time.Minute); err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale, err := m.TryAcquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := m.TryAcquire(context.Background(), "k", time.Second); err != nil {
		t.Fatalf("expired lock should be reclaimable: %v", err)
	}
	// releasing the stale holder must not free the new holder's lock
	stale()
	if _, err := m.TryAcquire(context.Background(), "k", time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after stale release, got %v", err)
	}
}
