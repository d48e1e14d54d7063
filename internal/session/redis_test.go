package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T, ttl, grace time.Duration) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), ttl, grace)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Shutdown() })
	return store
}

func TestRedisStoreCreateGet(t *testing.T) {
	store := newTestRedisStore(t, time.Minute, 30*time.Second)
	ctx := context.Background()

	s, err := store.Create(ctx, "u1", "a1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" || s.Status != StatusActive {
		t.Fatalf("unexpected session: %+v", s)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.AgentID != "a1" || got.ID != s.ID {
		t.Fatalf("unexpected session state: %+v", got)
	}

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreRefreshExtendsDeadline(t *testing.T) {
	store := newTestRedisStore(t, time.Minute, 0)
	ctx := context.Background()
	s, _ := store.Create(ctx, "u1", "a1")

	if err := store.Refresh(ctx, s.ID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ExpiresAt.Before(s.ExpiresAt) {
		t.Fatalf("ExpiresAt went backwards: %v -> %v", s.ExpiresAt, got.ExpiresAt)
	}
}

func TestRedisStoreCloseThenRefreshStaysClosed(t *testing.T) {
	store := newTestRedisStore(t, time.Minute, time.Minute)
	ctx := context.Background()
	s, _ := store.Create(ctx, "u1", "a1")

	if err := store.Close(ctx, s.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(ctx, s.ID); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := store.Refresh(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Refresh() after close error = %v, want ErrNotFound", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusClosed {
		t.Fatalf("Status = %q, want %q", got.Status, StatusClosed)
	}
}

func TestRedisStoreConcurrentRefreshCannotResurrectClosed(t *testing.T) {
	store := newTestRedisStore(t, time.Minute, time.Minute)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		s, err := store.Create(ctx, "u1", "a1")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = store.Refresh(ctx, s.ID)
			}
		}()
		if err := store.Close(ctx, s.ID); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		wg.Wait()

		// No refresh interleaving may rewrite the record back to active.
		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != StatusClosed {
			t.Fatalf("iteration %d: Status = %q, want %q", i, got.Status, StatusClosed)
		}
		if err := store.Refresh(ctx, s.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Refresh() after close error = %v, want ErrNotFound", err)
		}
	}
}
