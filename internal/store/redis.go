package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// putScript writes a hash field and appends its key to the order list in one step.
// ARGV[3] == "1" overwrites an existing value; the order entry is only pushed on
// first insert so List keeps insertion order.
var putScript = redis.NewScript(`
local added = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
if added == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return {1, ARGV[2]}
end
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return {0, ARGV[2]}
end
return {0, redis.call('HGET', KEYS[1], ARGV[1])}
`)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis keeps each keyspace as a hash of values plus a list recording insertion order.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "store: connect redis")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "praxis-identity"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (s *Redis) valuesKey(kind Kind) string { return fmt.Sprintf("%s:%s:values", s.prefix, kind) }
func (s *Redis) orderKey(kind Kind) string  { return fmt.Sprintf("%s:%s:order", s.prefix, kind) }

func (s *Redis) put(ctx context.Context, kind Kind, key string, value json.RawMessage, overwrite bool) (json.RawMessage, bool, error) {
	if err := checkKind(kind); err != nil {
		return nil, false, err
	}
	flag := "0"
	if overwrite {
		flag = "1"
	}
	res, err := putScript.Run(ctx, s.client, []string{s.valuesKey(kind), s.orderKey(kind)}, key, string(value), flag).Slice()
	if err != nil {
		return nil, false, errors.Wrapf(err, "store: put %s/%s", kind, key)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("store: put %s/%s: unexpected script reply %v", kind, key, res)
	}
	inserted, _ := res[0].(int64)
	stored, _ := res[1].(string)
	return json.RawMessage(stored), inserted == 1, nil
}

func (s *Redis) Put(ctx context.Context, kind Kind, key string, value json.RawMessage) error {
	_, _, err := s.put(ctx, kind, key, value, true)
	return err
}

func (s *Redis) PutIfAbsent(ctx context.Context, kind Kind, key string, value json.RawMessage) (json.RawMessage, bool, error) {
	return s.put(ctx, kind, key, value, false)
}

func (s *Redis) Get(ctx context.Context, kind Kind, key string) (json.RawMessage, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	v, err := s.client.HGet(ctx, s.valuesKey(kind), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "store: get %s/%s", kind, key)
	}
	return json.RawMessage(v), nil
}

func (s *Redis) List(ctx context.Context, kind Kind) ([]json.RawMessage, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	keys, err := s.client.LRange(ctx, s.orderKey(kind), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "store: list %s", kind)
	}
	out := make([]json.RawMessage, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.valuesKey(kind), keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "store: list %s", kind)
	}
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, json.RawMessage(str))
		}
	}
	return out, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
