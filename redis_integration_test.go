package mongolock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/dreadpirate15/mongolock"
	"github.com/dreadpirate15/mongolock/store"
)

func newRedisLock(t *testing.T) (*mongolock.Lock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := mongolock.New(store.NewRedis(client), mongolock.WithPollInterval(10*time.Millisecond))
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return l, cleanup
}

func TestRedisBackedLifecycle(t *testing.T) {
	l, cleanup := newRedisLock(t)
	defer cleanup()
	ctx := context.Background()

	if err := l.Acquire(ctx, "job", "x", 0, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Acquire(ctx, "job", "y", 0, 0); !errors.Is(err, mongolock.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := l.Renew(ctx, "job", "x"); err != nil {
		t.Fatalf("renew: %v", err)
	}
	rec, err := l.GetLockInfo(ctx, "job")
	if err != nil || rec == nil || rec.Owner != "x" || rec.Expire.IsZero() {
		t.Fatalf("lock info: rec %+v err %v", rec, err)
	}
	if err := l.Release(ctx, "job", "x"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Acquire(ctx, "job", "y", 0, 0); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

func TestRedisBackedExpiryTakeover(t *testing.T) {
	l, cleanup := newRedisLock(t)
	defer cleanup()
	ctx := context.Background()

	if err := l.Acquire(ctx, "job", "x", 0, 30*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := l.Acquire(ctx, "job", "y", time.Second, 0); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	rec, _ := l.GetLockInfo(ctx, "job")
	if rec == nil || rec.Owner != "y" {
		t.Fatalf("expected owner y, rec %+v", rec)
	}
}
