package session

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

var (
	// ErrNotFound means the store has no active or recent record for the id.
	ErrNotFound = errors.New("session not found")
	// ErrBackendUnavailable means the persistence layer is unreachable.
	// Operations fail closed; existence is never fabricated.
	ErrBackendUnavailable = errors.New("session store backend unavailable")
)

// Session is one bounded-lifetime voice interaction between a user and an
// agent. ID, UserID, AgentID and CreatedAt are immutable after creation.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Terminal reports whether the session reached a state it can never leave.
func (s *Session) Terminal() bool {
	return s.Status == StatusExpired || s.Status == StatusClosed
}

// Store is the single source of truth for session existence and lifecycle.
type Store interface {
	// Create allocates a fresh session with status active and a deadline
	// one TTL from now.
	Create(ctx context.Context, userID, agentID string) (*Session, error)
	// Get returns the record while active or within the terminal grace
	// window, ErrNotFound otherwise.
	Get(ctx context.Context, id string) (*Session, error)
	// Refresh extends the deadline by one TTL from now. Terminal sessions
	// cannot be refreshed back to life.
	Refresh(ctx context.Context, id string) error
	// Close transitions the session to closed. Idempotent: closing an
	// already terminal session is a no-op returning nil.
	Close(ctx context.Context, id string) error
	// SetExpireHook registers a callback invoked once per TTL expiry.
	SetExpireHook(hook func(*Session))
	// StartJanitor runs the background expiry sweep until ctx is done.
	StartJanitor(ctx context.Context, interval time.Duration)
	// Shutdown releases backend resources.
	Shutdown() error
}
