package store

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "mongolock:"

// Each record is a Redis hash; running the predicate check and the write in
// one script makes the conditional update atomic. Timestamps are
// caller-supplied unix nanoseconds (0 = unset), so expiry judgments use the
// caller's clock, never the server's.
var (
	insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "locked", ARGV[1], "owner", ARGV[2], "created", ARGV[3], "expire", ARGV[4])
return 1
`)

	updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
local locked = redis.call("HGET", KEYS[1], "locked") == "1"
local owner = redis.call("HGET", KEYS[1], "owner")
local expire = tonumber(redis.call("HGET", KEYS[1], "expire"))
if ARGV[1] == "1" and owner ~= ARGV[2] then
    return 0
end
if ARGV[3] == "1" and locked ~= (ARGV[4] == "1") then
    return 0
end
local at = tonumber(ARGV[5])
if at ~= 0 and locked and (expire == 0 or expire >= at) then
    return 0
end
if ARGV[6] == "replace" then
    redis.call("HSET", KEYS[1], "locked", ARGV[7], "owner", ARGV[8], "created", ARGV[9], "expire", ARGV[10])
else
    redis.call("HSET", KEYS[1], "expire", ARGV[7])
end
return 1
`)
)

// Redis implements Backend on a Redis instance.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithRedisKeyPrefix sets the prefix prepended to every lock key. The
// default is "mongolock:".
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis returns a Redis backend using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func nanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func fromNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Insert implements Backend.Insert.
func (r *Redis) Insert(ctx context.Context, rec Record) error {
	n, err := insertScript.Run(ctx, r.client, []string{r.prefix + rec.Key},
		boolField(rec.Locked), rec.Owner, nanos(rec.Created), nanos(rec.Expire)).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// Update implements Backend.Update.
func (r *Redis) Update(ctx context.Context, f Filter, mut Mutation) (int64, error) {
	args := make([]interface{}, 0, 10)
	if f.Owner != nil {
		args = append(args, "1", *f.Owner)
	} else {
		args = append(args, "0", "")
	}
	if f.IfLocked != nil {
		args = append(args, "1", boolField(*f.IfLocked))
	} else {
		args = append(args, "0", "0")
	}
	args = append(args, nanos(f.FreeOrExpiredAt))
	if mut.Replace != nil {
		rec := *mut.Replace
		args = append(args, "replace", boolField(rec.Locked), rec.Owner, nanos(rec.Created), nanos(rec.Expire))
	} else {
		var expire time.Time
		if mut.SetExpire != nil {
			expire = *mut.SetExpire
		}
		args = append(args, "expire", nanos(expire))
	}
	return updateScript.Run(ctx, r.client, []string{r.prefix + f.Key}, args...).Int64()
}

// FindOne implements Backend.FindOne.
func (r *Redis) FindOne(ctx context.Context, f Filter) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.prefix+f.Key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := Record{
		Key:     f.Key,
		Locked:  fields["locked"] == "1",
		Owner:   fields["owner"],
		Created: fromNanos(fields["created"]),
		Expire:  fromNanos(fields["expire"]),
	}
	if !f.Matches(rec) {
		return nil, nil
	}
	return &rec, nil
}
