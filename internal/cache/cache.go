package cache

import (
	"context"
	"sync"
	"time"

	"bakehouse/backend/internal/cart"
)

// CartSessions persists carts between requests, keyed by session id. Load
// returns an empty cart for an unknown or expired session.
type CartSessions interface {
	Load(ctx context.Context, sessionID string) (*cart.Cart, error)
	Save(ctx context.Context, c *cart.Cart) error
	Delete(ctx context.Context, sessionID string) error
}

type memoryEntry struct {
	payload   cart.Cart
	expiresAt time.Time
}

// MemoryCartSessions is the single-process fallback used when Redis is not
// configured.
type MemoryCartSessions struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryCartSessions(ttl time.Duration) *MemoryCartSessions {
	return &MemoryCartSessions{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryCartSessions) Load(_ context.Context, sessionID string) (*cart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	if !ok {
		return cart.New(sessionID), nil
	}
	if m.ttl > 0 && m.now().After(entry.expiresAt) {
		delete(m.entries, sessionID)
		return cart.New(sessionID), nil
	}
	loaded := entry.payload
	loaded.Items = append(loaded.Items[:0:0], entry.payload.Items...)
	return &loaded, nil
}

func (m *MemoryCartSessions) Save(_ context.Context, c *cart.Cart) error {
	if c == nil {
		return nil
	}
	stored := *c
	stored.Items = append(c.Items[:0:0], c.Items...)

	m.mu.Lock()
	m.entries[c.SessionID] = memoryEntry{payload: stored, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCartSessions) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}
