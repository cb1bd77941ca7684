package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// casPutScript performs the conditional write atomically in Redis.
// KEYS[1] = record key (hash with fields "value" and "rev")
// ARGV[1] = expected revision ("0" means create-only)
// ARGV[2] = new value
// Returns the new revision on success, -1 on revision mismatch.
var casPutScript = redis.NewScript(`
local rev = redis.call("HGET", KEYS[1], "rev")
local expected = tonumber(ARGV[1])
if expected == 0 then
    if rev then return -1 end
    redis.call("HSET", KEYS[1], "value", ARGV[2], "rev", 1)
    return 1
end
if not rev or tonumber(rev) ~= expected then return -1 end
local newrev = expected + 1
redis.call("HSET", KEYS[1], "value", ARGV[2], "rev", newrev)
return newrev
`)

// casDeleteScript deletes a key if its revision matches.
// Returns 1 on success, 0 on revision mismatch, -1 when missing.
var casDeleteScript = redis.NewScript(`
local rev = redis.call("HGET", KEYS[1], "rev")
if not rev then return -1 end
if tonumber(rev) ~= tonumber(ARGV[1]) then return 0 end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisStore implements Store on Redis. Conditional writes run as Lua
// scripts so the revision check and the write are a single atomic step
// even across distributed worker processes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing client. keyPrefix namespaces all record
// keys (e.g. "tiller:") so the store can share a Redis database.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.redisKey(key), "value", "rev").Result()
	if err != nil {
		return Record{}, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return Record{}, ErrNotFound
	}
	rec := Record{Key: key, Value: []byte(vals[0].(string))}
	if _, err := fmt.Sscan(vals[1].(string), &rec.Rev); err != nil {
		return Record{}, fmt.Errorf("store: redis rev decode %s: %w", key, err)
	}
	return rec, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, rev int64) (int64, error) {
	res, err := casPutScript.Run(ctx, s.client, []string{s.redisKey(key)}, rev, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("store: redis put %s: %w", key, err)
	}
	if res < 0 {
		return 0, ErrRevisionMismatch
	}
	return res, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string, rev int64) error {
	res, err := casDeleteScript.Run(ctx, s.client, []string{s.redisKey(key)}, rev).Int64()
	if err != nil {
		return fmt.Errorf("store: redis delete %s: %w", key, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrRevisionMismatch
	}
	return nil
}

// escapeGlob neutralizes Redis MATCH metacharacters in a literal prefix.
// Record keys embed caller-supplied ids, which may contain them.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.redisKey(prefix))+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(keys))
	for _, rk := range keys {
		key := rk[len(s.keyPrefix):]
		rec, err := s.Get(ctx, key)
		if err == ErrNotFound {
			continue // deleted between SCAN and HMGET
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
