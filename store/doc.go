// Package store defines the persistence contract the lock protocol is built
// on and provides backends for MongoDB, Redis, etcd, SQL databases (via GORM)
// and local memory. A backend must offer atomic insert-if-absent and atomic
// predicate-match-and-mutate operations with linearizable visibility; the
// protocol's mutual exclusion rests entirely on those two primitives.
package store
