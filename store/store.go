package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateKey is returned by Insert when a record with the same key
// already exists.
var ErrDuplicateKey = errors.New("duplicate key")

// Record is the persisted state of a single lock key. A free record has
// Locked false, an empty Owner and zero Created/Expire times. A zero Expire
// on a held record means the lock never expires.
type Record struct {
	Key     string
	Locked  bool
	Owner   string
	Created time.Time
	Expire  time.Time
}

// Expired reports whether the record carries an expiry that lies strictly
// before now.
func (r Record) Expired(now time.Time) bool {
	return !r.Expire.IsZero() && r.Expire.Before(now)
}

// Filter selects records. Key is always required; the remaining fields are
// optional conditions combined with AND.
type Filter struct {
	// Key identifies the record.
	Key string
	// Owner, when non-nil, requires the record's owner to match exactly.
	Owner *string
	// IfLocked, when non-nil, requires the locked flag to match.
	IfLocked *bool
	// FreeOrExpiredAt, when non-zero, matches records that are not locked or
	// whose expiry lies strictly before this instant.
	FreeOrExpiredAt time.Time
}

// Matches reports whether rec satisfies the filter. Backends whose atomicity
// primitive guards a client-side check (memory's mutex, etcd's revision CAS)
// evaluate the predicate with it; backends that push the predicate down to
// the server (MongoDB, Redis scripts, SQL) translate it instead.
func (f Filter) Matches(rec Record) bool {
	if rec.Key != f.Key {
		return false
	}
	if f.Owner != nil && rec.Owner != *f.Owner {
		return false
	}
	if f.IfLocked != nil && rec.Locked != *f.IfLocked {
		return false
	}
	if !f.FreeOrExpiredAt.IsZero() && rec.Locked && !rec.Expired(f.FreeOrExpiredAt) {
		return false
	}
	return true
}

// Mutation describes the change a conditional update applies. Exactly one
// field must be set.
type Mutation struct {
	// Replace overwrites the whole record. The record's Key must equal the
	// filter's Key.
	Replace *Record
	// SetExpire updates only the expiry field. A nil time clears it.
	SetExpire *time.Time
}

// Apply returns rec with the mutation applied.
func (m Mutation) Apply(rec Record) Record {
	if m.Replace != nil {
		return *m.Replace
	}
	if m.SetExpire != nil {
		rec.Expire = *m.SetExpire
	}
	return rec
}

// Backend is the capability a store must provide for the lock protocol to be
// correct. Update's predicate and mutation must be applied as one atomic
// operation with a linearizable result: all clients observe the same total
// order of successful transitions on a key, and the affected count must be
// exact.
type Backend interface {
	// Insert creates the record, failing with ErrDuplicateKey if a record
	// with the same key already exists.
	Insert(ctx context.Context, rec Record) error
	// Update atomically applies mut to every record matching f and returns
	// the number of records affected.
	Update(ctx context.Context, f Filter, mut Mutation) (int64, error)
	// FindOne returns the record matching f, or nil if none does. Plain read
	// consistency is sufficient; it is never part of a locking decision's
	// atomic step.
	FindOne(ctx context.Context, f Filter) (*Record, error)
}
