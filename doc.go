// Package mongolock provides a mutual-exclusion lock shared across
// independent processes. All coordination happens through a single record per
// key in a store offering atomic insert-if-absent and atomic conditional
// updates (MongoDB historically, hence the name; Redis, etcd, SQL and
// in-memory backends are provided as well). Acquisition tries a cheap insert
// first and falls back to polling a free-or-expired conditional transition
// until a caller-supplied timeout. Locks can carry an expiry so a crashed
// holder's lock becomes acquirable again.
package mongolock
