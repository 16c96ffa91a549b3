package inflight

import (
	"context"
	"sync"
	"time"
)

// Backend records the newest claim per document. Claims expire after a TTL
// so a crashed process cannot block a document forever.
type Backend interface {
	// Claim makes token the newest claim for documentID.
	Claim(ctx context.Context, documentID, token string) error
	// Current returns the newest live claim.
	Current(ctx context.Context, documentID string) (string, bool, error)
	// Release drops the claim only if token still holds it.
	Release(ctx context.Context, documentID, token string) error
}

type claim struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend keeps claims in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]claim
}

func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{ttl: ttl, now: time.Now, claims: map[string]claim{}}
}

func (m *MemoryBackend) Claim(_ context.Context, documentID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[documentID] = claim{token: token, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryBackend) Current(_ context.Context, documentID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[documentID]
	if !ok {
		return "", false, nil
	}
	if m.ttl > 0 && !m.now().Before(c.expiresAt) {
		delete(m.claims, documentID)
		return "", false, nil
	}
	return c.token, true, nil
}

func (m *MemoryBackend) Release(_ context.Context, documentID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[documentID]; ok && c.token == token {
		delete(m.claims, documentID)
	}
	return nil
}
