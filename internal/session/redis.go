package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix = "voice_session:"
	redisTxRetries = 5
)

// RedisStore keeps one JSON record per session under voice_session:<id>
// with a key TTL covering the session deadline plus the grace window, so
// any replica can answer Get for the record's lifetime. Expired keys are
// evicted by redis itself; the expired state is resolved from the stored
// deadline so reads stay monotonic before eviction. All mutations run as
// WATCH transactions on the key: a concurrent write aborts the EXEC and
// the mutation re-reads, so a record that went terminal between read and
// write can never be rewritten back to active.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	grace  time.Duration
}

func NewRedisStore(ctx context.Context, redisURL string, ttl, grace time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}
	log.Info().Str("module", "session").Msg("connected to redis session store")
	return &RedisStore{client: client, ttl: ttl, grace: grace}, nil
}

func (r *RedisStore) Create(ctx context.Context, userID, agentID string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session record: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+s.ID, payload, r.ttl+r.grace).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	s, err := r.read(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if s.Status == StatusActive && now.After(s.ExpiresAt) {
		s.Status = StatusExpired
		s.EndedAt = s.ExpiresAt
		// Persist the transition so other readers agree; the read view is
		// already correct if this write is lost. The transaction skips the
		// write when another mutation already ended the session.
		err := r.mutate(ctx, id, func(rec *Session, _ time.Time) (time.Duration, error) {
			if rec.Status != StatusActive {
				return 0, nil
			}
			rec.Status = StatusExpired
			rec.EndedAt = rec.ExpiresAt
			return r.grace, nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("module", "session").Str("session_id", id).Msg("failed to persist expiry")
		}
	}
	if s.Terminal() && now.After(s.EndedAt.Add(r.grace)) {
		if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("session_id", id).Msg("failed to evict terminal session")
		}
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *RedisStore) Refresh(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(s *Session, now time.Time) (time.Duration, error) {
		if s.Status != StatusActive || now.After(s.ExpiresAt) {
			return 0, ErrNotFound
		}
		s.ExpiresAt = now.Add(r.ttl)
		return r.ttl + r.grace, nil
	})
}

func (r *RedisStore) Close(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(s *Session, now time.Time) (time.Duration, error) {
		if s.Terminal() {
			return 0, nil
		}
		s.Status = StatusClosed
		s.EndedAt = now
		return r.grace, nil
	})
}

// SetExpireHook is a no-op for redis: keys lapse inside redis and there is
// no per-key notification wired here. Rooms of expired sessions are torn
// down by the broadcaster's reconciler instead.
func (r *RedisStore) SetExpireHook(func(*Session)) {}

// StartJanitor is a no-op for redis: key TTLs handle eviction natively.
func (r *RedisStore) StartJanitor(context.Context, time.Duration) {}

func (r *RedisStore) Shutdown() error { return r.client.Close() }

func (r *RedisStore) read(ctx context.Context, id string) (*Session, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var s Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &s, nil
}

// mutate applies a read-check-write change to one session record under a
// WATCH on its key. apply returns the key expiration for the rewritten
// record, or 0 to skip the write. A concurrent write to the key fails the
// EXEC and the whole transaction retries against the fresh record.
func (r *RedisStore) mutate(ctx context.Context, id string, apply func(*Session, time.Time) (time.Duration, error)) error {
	key := redisKeyPrefix + id
	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		var s Session
		if err := json.Unmarshal([]byte(val), &s); err != nil {
			return fmt.Errorf("decode session record: %w", err)
		}
		expiration, err := apply(&s, time.Now().UTC())
		if err != nil {
			return err
		}
		if expiration == 0 {
			return nil
		}
		payload, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("encode session record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, expiration)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: transaction contention on session %s", ErrBackendUnavailable, id)
}
