package idempotency

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryMarker is the single-process marker used when no Redis is configured.
type MemoryMarker struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *MemoryMarker {
	return &MemoryMarker{entries: make(map[string]entry), now: time.Now}
}

func (m *MemoryMarker) Claim(_ context.Context, key string, ttl time.Duration) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		if e.value == valueSent {
			return AlreadySent, nil
		}
		return InFlight, nil
	}
	m.entries[key] = entry{value: valuePending, expiresAt: m.now().Add(ttl)}
	return Claimed, nil
}

func (m *MemoryMarker) MarkSent(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: valueSent, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryMarker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// live returns the entry for key, dropping it if expired. Callers hold mu.
func (m *MemoryMarker) live(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}
