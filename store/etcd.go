package store

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultEtcdKeyPrefix = "mongolock/"

// etcdRecord is the JSON value stored under a key.
type etcdRecord struct {
	Locked  bool      `json:"locked"`
	Owner   string    `json:"owner"`
	Created time.Time `json:"created"`
	Expire  time.Time `json:"expire"`
}

// Etcd implements Backend on an etcd cluster. Insert guards on the key's
// create revision; Update evaluates the predicate client-side and commits
// through a transaction guarded on the mod revision it read, retrying on
// conflict, which makes the read-check-write sequence atomic.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// EtcdOption configures an Etcd backend.
type EtcdOption func(*Etcd)

// WithEtcdKeyPrefix sets the prefix prepended to every lock key. The default
// is "mongolock/".
func WithEtcdKeyPrefix(prefix string) EtcdOption {
	return func(e *Etcd) {
		e.prefix = prefix
	}
}

// NewEtcd returns an Etcd backend using the provided client.
func NewEtcd(client *clientv3.Client, opts ...EtcdOption) *Etcd {
	e := &Etcd{client: client, prefix: defaultEtcdKeyPrefix}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Etcd) encode(rec Record) (string, error) {
	val, err := json.Marshal(etcdRecord{
		Locked:  rec.Locked,
		Owner:   rec.Owner,
		Created: rec.Created,
		Expire:  rec.Expire,
	})
	return string(val), err
}

func (e *Etcd) decode(key string, val []byte) (Record, error) {
	var doc etcdRecord
	if err := json.Unmarshal(val, &doc); err != nil {
		return Record{}, err
	}
	return Record{
		Key:     key,
		Locked:  doc.Locked,
		Owner:   doc.Owner,
		Created: doc.Created,
		Expire:  doc.Expire,
	}, nil
}

// Insert implements Backend.Insert.
func (e *Etcd) Insert(ctx context.Context, rec Record) error {
	val, err := e.encode(rec)
	if err != nil {
		return err
	}
	k := e.prefix + rec.Key
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, val)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrDuplicateKey
	}
	return nil
}

// Update implements Backend.Update.
func (e *Etcd) Update(ctx context.Context, f Filter, mut Mutation) (int64, error) {
	k := e.prefix + f.Key
	for {
		get, err := e.client.Get(ctx, k)
		if err != nil {
			return 0, err
		}
		if len(get.Kvs) == 0 {
			return 0, nil
		}
		kv := get.Kvs[0]
		rec, err := e.decode(f.Key, kv.Value)
		if err != nil {
			return 0, err
		}
		if !f.Matches(rec) {
			return 0, nil
		}
		val, err := e.encode(mut.Apply(rec))
		if err != nil {
			return 0, err
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
			Then(clientv3.OpPut(k, val)).
			Commit()
		if err != nil {
			return 0, err
		}
		if resp.Succeeded {
			return 1, nil
		}
		// Lost the race against another writer; re-evaluate on fresh state.
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

// FindOne implements Backend.FindOne.
func (e *Etcd) FindOne(ctx context.Context, f Filter) (*Record, error) {
	get, err := e.client.Get(ctx, e.prefix+f.Key)
	if err != nil {
		return nil, err
	}
	if len(get.Kvs) == 0 {
		return nil, nil
	}
	rec, err := e.decode(f.Key, get.Kvs[0].Value)
	if err != nil {
		return nil, err
	}
	if !f.Matches(rec) {
		return nil, nil
	}
	return &rec, nil
}
