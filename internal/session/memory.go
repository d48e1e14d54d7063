package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process session store for single-instance and test
// use. Expiry is driven by the janitor sweep, with a lazy check on reads so
// a passed deadline is never reported as active.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	grace    time.Duration
	onExpire func(*Session)
}

func NewMemoryStore(ttl, grace time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		grace:    grace,
	}
}

func (m *MemoryStore) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *MemoryStore) Create(_ context.Context, userID, agentID string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	var expired *Session
	if s.Status == StatusActive && now.After(s.ExpiresAt) {
		m.expireLocked(s, now)
		expired = clone(s)
	}
	if s.Terminal() && now.After(s.EndedAt.Add(m.grace)) {
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	out := clone(s)
	hook := m.onExpire
	m.mu.Unlock()

	if expired != nil && hook != nil {
		hook(expired)
	}
	return out, nil
}

func (m *MemoryStore) Refresh(_ context.Context, id string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive || now.After(s.ExpiresAt) {
		return ErrNotFound
	}
	s.ExpiresAt = now.Add(m.ttl)
	return nil
}

func (m *MemoryStore) Close(_ context.Context, id string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Terminal() {
		return nil
	}
	s.Status = StatusClosed
	s.EndedAt = now
	return nil
}

func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *MemoryStore) Shutdown() error { return nil }

func (m *MemoryStore) sweep() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status == StatusActive && now.After(s.ExpiresAt) {
			m.expireLocked(s, now)
			expired = append(expired, clone(s))
			continue
		}
		if s.Terminal() && now.After(s.EndedAt.Add(m.grace)) {
			delete(m.sessions, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if len(expired) > 0 {
		log.Debug().Str("module", "session").Int("expired", len(expired)).Msg("sweep expired sessions")
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// expireLocked performs the one-way Active->Expired transition. The
// terminal deadline doubles as EndedAt so the grace window counts from the
// moment the TTL elapsed, not from when the sweep noticed.
func (m *MemoryStore) expireLocked(s *Session, now time.Time) {
	s.Status = StatusExpired
	s.EndedAt = s.ExpiresAt
	if s.EndedAt.After(now) {
		s.EndedAt = now
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
