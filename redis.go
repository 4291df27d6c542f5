package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"startonce/election"
)

// RedisBackend implements election.Substrate on a single Redis server.
// Lock leases are key TTLs, so Redis expires them on its own clock.
type RedisBackend struct {
	client      *redis.Client
	clusterName string
	nodeName    string
	memberKey   string
	logger      *zap.Logger
}

func NewRedisBackend(ctx context.Context, addr string, clusterName string, nodeName string, memberTTL time.Duration, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := &RedisBackend{
		client:      client,
		clusterName: clusterName,
		nodeName:    nodeName,
		logger:      logger,
	}
	r.memberKey = r.key("members", newOwnerToken(nodeName))

	if err := client.Set(ctx, r.memberKey, nodeName, memberTTL).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to register member in redis: %w", err)
	}

	return r, nil
}

func (r *RedisBackend) key(kind, name string) string {
	return r.clusterName + ":" + kind + ":" + name
}

func (r *RedisBackend) Lock(name string) election.Lock {
	return &redisLock{client: r.client, key: r.key("locks", name), owner: newOwnerToken(r.nodeName)}
}

func (r *RedisBackend) Flag(name string) election.Flag {
	return &redisFlag{client: r.client, key: r.key("flags", name)}
}

func (r *RedisBackend) Barrier(name string) election.Barrier {
	return &redisBarrier{client: r.client, key: r.key("barriers", name)}
}

// globEscaper quotes the characters SCAN MATCH treats specially.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// keyPattern matches every key of the given kind in this cluster and
// nothing else, whatever characters the cluster name holds.
func (r *RedisBackend) keyPattern(kind string) string {
	return globEscaper.Replace(r.key(kind, "")) + "*"
}

// scanKeys returns every key of the given kind in this cluster.
func (r *RedisBackend) scanKeys(ctx context.Context, kind string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.keyPattern(kind), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s in redis: %w", kind, err)
	}
	return keys, nil
}

func (r *RedisBackend) Members(ctx context.Context) (int, error) {
	keys, err := r.scanKeys(ctx, "members")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisBackend) Reset(ctx context.Context) error {
	for _, kind := range []string{"locks", "flags", "barriers"} {
		keys, err := r.scanKeys(ctx, kind)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete %s in redis: %w", kind, err)
		}
	}
	return nil
}

func (r *RedisBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, r.memberKey).Err(); err != nil {
		r.logger.Warn("Failed to remove member from redis", zap.Error(err))
	}
	return r.client.Close()
}

// acquireScript takes the lock if it is free, or refreshes the lease if
// the caller already holds it.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var countDownScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]))
if v and v > 0 then
	return redis.call("DECR", KEYS[1])
end
return -1`)

type redisLock struct {
	client *redis.Client
	key    string
	owner  string
}

func (l *redisLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	return pollUntil(ctx, wait, pollInterval, func(ctx context.Context) (bool, error) {
		n, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.owner, lease.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("failed to run lock script: %w", err)
		}
		return n == 1, nil
	})
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return fmt.Errorf("failed to run unlock script: %w", err)
	}
	if n == 0 {
		return election.ErrNotHeld
	}
	return nil
}

type redisFlag struct {
	client *redis.Client
	key    string
}

func (f *redisFlag) Get(ctx context.Context) (bool, error) {
	v, err := f.client.Get(ctx, f.key).Bool()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get flag from redis: %w", err)
	}
	return v, nil
}

func (f *redisFlag) Set(ctx context.Context, v bool) error {
	if err := f.client.Set(ctx, f.key, v, 0).Err(); err != nil {
		return fmt.Errorf("failed to write flag to redis: %w", err)
	}
	return nil
}

type redisBarrier struct {
	client *redis.Client
	key    string
}

func (b *redisBarrier) TrySetCount(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("barrier count must not be negative, got %d", n)
	}
	ok, err := b.client.SetNX(ctx, b.key, n, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write barrier to redis: %w", err)
	}
	return ok, nil
}

func (b *redisBarrier) CountDown(ctx context.Context) error {
	if err := countDownScript.Run(ctx, b.client, []string{b.key}).Err(); err != nil {
		return fmt.Errorf("failed to run count down script: %w", err)
	}
	return nil
}

func (b *redisBarrier) Count(ctx context.Context) (int, error) {
	n, err := b.client.Get(ctx, b.key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get barrier from redis: %w", err)
	}
	return n, nil
}

func (b *redisBarrier) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	return pollUntil(ctx, timeout, pollInterval, func(ctx context.Context) (bool, error) {
		n, err := b.Count(ctx)
		return n == 0, err
	})
}
