package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBackend(t *testing.T) (*Redis, context.Context, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedis(client)
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return backend, context.Background(), cleanup
}

func TestRedisInsertDuplicate(t *testing.T) {
	r, ctx, cleanup := newRedisBackend(t)
	defer cleanup()

	now := time.Now()
	if err := r.Insert(ctx, Record{Key: "k", Locked: true, Owner: "x", Created: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.Insert(ctx, Record{Key: "k", Locked: true, Owner: "y", Created: now}); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestRedisRecordRoundTrip(t *testing.T) {
	r, ctx, cleanup := newRedisBackend(t)
	defer cleanup()

	created := time.Now().Truncate(0)
	expire := created.Add(time.Minute)
	in := Record{Key: "k", Locked: true, Owner: "x", Created: created, Expire: expire}
	if err := r.Insert(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec, err := r.FindOne(ctx, Filter{Key: "k"})
	if err != nil || rec == nil {
		t.Fatalf("findone: rec %v err %v", rec, err)
	}
	if !rec.Locked || rec.Owner != "x" || !rec.Created.Equal(created) || !rec.Expire.Equal(expire) {
		t.Fatalf("round trip mismatch: %+v", rec)
	}
}

func TestRedisConditionalTransition(t *testing.T) {
	r, ctx, cleanup := newRedisBackend(t)
	defer cleanup()

	now := time.Now()
	if err := r.Insert(ctx, Record{Key: "k", Locked: true, Owner: "x", Created: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Held without expiry: not stealable.
	steal := Mutation{Replace: &Record{Key: "k", Locked: true, Owner: "y", Created: now}}
	n, err := r.Update(ctx, Filter{Key: "k", FreeOrExpiredAt: now}, steal)
	if err != nil || n != 0 {
		t.Fatalf("expected no match on held lock, n %d err %v", n, err)
	}

	// Release by owner, then the transition matches.
	owner := "x"
	locked := true
	n, err = r.Update(ctx, Filter{Key: "k", Owner: &owner, IfLocked: &locked},
		Mutation{Replace: &Record{Key: "k"}})
	if err != nil || n != 1 {
		t.Fatalf("release: n %d err %v", n, err)
	}
	n, err = r.Update(ctx, Filter{Key: "k", FreeOrExpiredAt: now}, steal)
	if err != nil || n != 1 {
		t.Fatalf("acquire after release: n %d err %v", n, err)
	}
	rec, err := r.FindOne(ctx, Filter{Key: "k"})
	if err != nil || rec == nil || rec.Owner != "y" {
		t.Fatalf("expected owner y, rec %+v err %v", rec, err)
	}
}

func TestRedisExpiredSteal(t *testing.T) {
	r, ctx, cleanup := newRedisBackend(t)
	defer cleanup()

	now := time.Now()
	rec := Record{Key: "k", Locked: true, Owner: "x", Created: now.Add(-time.Minute), Expire: now.Add(-time.Second)}
	if err := r.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	n, err := r.Update(ctx, Filter{Key: "k", FreeOrExpiredAt: now},
		Mutation{Replace: &Record{Key: "k", Locked: true, Owner: "y", Created: now}})
	if err != nil || n != 1 {
		t.Fatalf("expected expired lock to be stealable, n %d err %v", n, err)
	}
}

func TestRedisSetExpire(t *testing.T) {
	r, ctx, cleanup := newRedisBackend(t)
	defer cleanup()

	now := time.Now().Truncate(0)
	if err := r.Insert(ctx, Record{Key: "k", Locked: true, Owner: "x", Created: now, Expire: now.Add(time.Second)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	owner := "x"
	locked := true
	expire := now.Add(time.Hour)
	n, err := r.Update(ctx, Filter{Key: "k", Owner: &owner, IfLocked: &locked}, Mutation{SetExpire: &expire})
	if err != nil || n != 1 {
		t.Fatalf("set expire: n %d err %v", n, err)
	}
	rec, _ := r.FindOne(ctx, Filter{Key: "k"})
	if rec == nil || !rec.Expire.Equal(expire) || rec.Owner != "x" {
		t.Fatalf("expected renewed expiry, rec %+v", rec)
	}
}

func TestRedisUpdateMissingKey(t *testing.T) {
	r, ctx, cleanup := newRedisBackend(t)
	defer cleanup()

	n, err := r.Update(ctx, Filter{Key: "nope", FreeOrExpiredAt: time.Now()},
		Mutation{Replace: &Record{Key: "nope", Locked: true, Owner: "x"}})
	if err != nil || n != 0 {
		t.Fatalf("expected no match for missing key, n %d err %v", n, err)
	}
	rec, err := r.FindOne(ctx, Filter{Key: "nope"})
	if err != nil || rec != nil {
		t.Fatalf("expected nil record, rec %v err %v", rec, err)
	}
}
