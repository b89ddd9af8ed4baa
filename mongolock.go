package mongolock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreadpirate15/mongolock/store"
)

var tracer = otel.Tracer("github.com/dreadpirate15/mongolock")

// defaultPollInterval is how long a contended acquisition waits between
// conditional-update attempts.
const defaultPollInterval = 100 * time.Millisecond

// Lock coordinates a set of cross-process locks through one store backend.
// It holds no lock state in memory, so a single instance is safe for
// concurrent use and many instances across processes coordinate through the
// store alone.
type Lock struct {
	backend      store.Backend
	pollInterval time.Duration
	clock        Clock

	acquireCounter prometheus.Counter
	timeoutCounter prometheus.Counter
	releaseCounter prometheus.Counter
	renewCounter   prometheus.Counter
	waitHist       prometheus.Histogram
	traceEnabled   bool
}

// Option configures a Lock.
type Option func(*Lock)

// WithPollInterval sets the interval between acquisition attempts while a
// lock is contended. The default is 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(l *Lock) {
		l.pollInterval = d
	}
}

// WithClock sets the clock used for expiry timestamps and the poll loop.
func WithClock(c Clock) Option {
	return func(l *Lock) {
		l.clock = c
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Lock) {
		l.acquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mongolock_acquires_total",
			Help: "Total number of successful lock acquisitions",
		})
		l.timeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mongolock_timeouts_total",
			Help: "Total number of acquisitions that failed or timed out",
		})
		l.releaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mongolock_releases_total",
			Help: "Total number of lock releases",
		})
		l.renewCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mongolock_renewals_total",
			Help: "Total number of lock renewals",
		})
		l.waitHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mongolock_acquire_wait_seconds",
			Help:    "Time spent waiting for lock acquisition",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(l.acquireCounter, l.timeoutCounter, l.releaseCounter, l.renewCounter, l.waitHist)
	}
}

// WithTracing enables OpenTelemetry tracing for lock operations.
func WithTracing() Option {
	return func(l *Lock) {
		l.traceEnabled = true
	}
}

// New returns a Lock coordinating through the given backend.
func New(backend store.Backend, opts ...Option) *Lock {
	l := &Lock{
		backend:      backend,
		pollInterval: defaultPollInterval,
		clock:        systemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func validate(key, owner string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if owner == "" {
		return errors.New("owner cannot be empty")
	}
	return nil
}

// Acquire locks key for owner. A zero timeout makes a single attempt and
// fails fast with ErrLocked if the key is held; otherwise contended
// acquisition polls the store until the timeout elapses. A non-zero
// expireAfter bounds the lease: past that duration the lock counts as
// abandoned and any caller may take it over. The returned ErrLocked wraps
// best-effort diagnostics about the current holder.
func (l *Lock) Acquire(ctx context.Context, key, owner string, timeout, expireAfter time.Duration) error {
	if err := validate(key, owner); err != nil {
		return err
	}
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Acquire")
		defer span.End()
		span.SetAttributes(
			attribute.String("mongolock.key", key),
			attribute.String("mongolock.owner", owner),
		)
	}

	start := l.clock.Now()
	if l.waitHist != nil {
		defer func() {
			l.waitHist.Observe(l.clock.Now().Sub(start).Seconds())
		}()
	}

	var expireAt time.Time
	if expireAfter > 0 {
		expireAt = start.Add(expireAfter)
	}

	err := l.backend.Insert(ctx, store.Record{
		Key:     key,
		Locked:  true,
		Owner:   owner,
		Created: start,
		Expire:  expireAt,
	})
	if err == nil {
		// Fast path: the key had never been locked.
		return l.acquired(span)
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return err
	}
	if timeout <= 0 {
		return l.notAcquired(ctx, span, key)
	}

	deadline := start.Add(timeout)
	for {
		now := l.clock.Now()
		n, err := l.backend.Update(ctx,
			store.Filter{Key: key, FreeOrExpiredAt: now},
			store.Mutation{Replace: &store.Record{
				Key:     key,
				Locked:  true,
				Owner:   owner,
				Created: now,
				Expire:  expireAt,
			}})
		if err != nil {
			return err
		}
		if n == 1 {
			return l.acquired(span)
		}
		if n > 1 {
			return fmt.Errorf("%w: %d records affected for key %q", ErrConsistency, n, key)
		}
		if !l.clock.Now().Before(deadline) {
			return l.notAcquired(ctx, span, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(l.pollInterval):
		}
	}
}

func (l *Lock) acquired(span trace.Span) error {
	if l.acquireCounter != nil {
		l.acquireCounter.Inc()
	}
	if l.traceEnabled {
		span.SetAttributes(attribute.String("mongolock.result", "acquired"))
	}
	return nil
}

// notAcquired builds the ErrLocked failure, decorating it with the current
// holder fetched best-effort for diagnostics.
func (l *Lock) notAcquired(ctx context.Context, span trace.Span, key string) error {
	if l.timeoutCounter != nil {
		l.timeoutCounter.Inc()
	}
	if l.traceEnabled {
		span.SetAttributes(attribute.String("mongolock.result", "locked"))
	}
	rec, err := l.backend.FindOne(ctx, store.Filter{Key: key})
	if err == nil && rec != nil && rec.Locked {
		expire := "never"
		if !rec.Expire.IsZero() {
			expire = rec.Expire.Format(time.RFC3339)
		}
		return fmt.Errorf("%w: %q owned by %q since %s, expires %s",
			ErrLocked, key, rec.Owner, rec.Created.Format(time.RFC3339), expire)
	}
	return fmt.Errorf("%w: %q", ErrLocked, key)
}

// Release frees the lock on key if it is held by owner. Releasing a lock the
// caller does not hold, including one that is already free, fails with
// ErrNotHeld; the record is left untouched.
func (l *Lock) Release(ctx context.Context, key, owner string) error {
	if err := validate(key, owner); err != nil {
		return err
	}
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Release")
		defer span.End()
		span.SetAttributes(attribute.String("mongolock.key", key))
	}

	locked := true
	n, err := l.backend.Update(ctx,
		store.Filter{Key: key, Owner: &owner, IfLocked: &locked},
		store.Mutation{Replace: &store.Record{Key: key}})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q is not held by %q", ErrNotHeld, key, owner)
	}
	if n > 1 {
		return fmt.Errorf("%w: %d records affected for key %q", ErrConsistency, n, key)
	}
	if l.releaseCounter != nil {
		l.releaseCounter.Inc()
	}
	return nil
}

// Renew extends the lease on a lock held by owner, preserving the originally
// requested lease length: a lock acquired with a 30s expiry keeps getting
// 30s from the moment of each renewal. Renewing a lock without an expiry is
// a no-op. The expiry write is conditional on the record still being held by
// owner, so a renewal racing an expiry-driven takeover fails with ErrNotHeld
// instead of overwriting the new holder.
func (l *Lock) Renew(ctx context.Context, key, owner string) error {
	if err := validate(key, owner); err != nil {
		return err
	}
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Renew")
		defer span.End()
		span.SetAttributes(attribute.String("mongolock.key", key))
	}

	rec, err := l.backend.FindOne(ctx, store.Filter{Key: key, Owner: &owner})
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: no lock on %q for %q", ErrNotHeld, key, owner)
	}
	if rec.Expire.IsZero() {
		return nil
	}

	lease := rec.Expire.Sub(rec.Created)
	expire := l.clock.Now().Add(lease)
	locked := true
	n, err := l.backend.Update(ctx,
		store.Filter{Key: key, Owner: &owner, IfLocked: &locked},
		store.Mutation{SetExpire: &expire})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q is not held by %q", ErrNotHeld, key, owner)
	}
	if n > 1 {
		return fmt.Errorf("%w: %d records affected for key %q", ErrConsistency, n, key)
	}
	if l.renewCounter != nil {
		l.renewCounter.Inc()
	}
	return nil
}

// GetLockInfo returns the current record for key, or nil if the key has
// never been locked. It is a plain read, useful for diagnostics.
func (l *Lock) GetLockInfo(ctx context.Context, key string) (*store.Record, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	return l.backend.FindOne(ctx, store.Filter{Key: key})
}

// Do acquires the lock, runs fn while holding it, and releases it on the way
// out regardless of fn's outcome. An error from fn takes precedence over a
// release error.
func (l *Lock) Do(ctx context.Context, key, owner string, timeout, expireAfter time.Duration, fn func(context.Context) error) error {
	if err := l.Acquire(ctx, key, owner, timeout, expireAfter); err != nil {
		return err
	}
	fnErr := fn(ctx)
	// Release even when ctx is done; the work is finished either way.
	relErr := l.Release(context.Background(), key, owner)
	if fnErr != nil {
		return fnErr
	}
	return relErr
}
