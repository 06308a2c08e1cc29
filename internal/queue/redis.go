package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	logx "taigabot/pkg/logx"
)

// The window index (a sorted set of key -> due millis) lets a restarted
// process find windows whose timers died with the previous one.
const windowsKey = "windows"

var enqueueScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
if existed == 0 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
end
return existed
`)

var drainScript = redis.NewScript(`
local items = redis.call('ZRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return items
`)

type redisQueue struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

// OpenRedis connects to url (redis://...) and verifies the connection.
func OpenRedis(ctx context.Context, url, prefix string, log logx.Logger) (Queue, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("redis connected", logx.String("addr", opts.Addr), logx.Int("db", opts.DB))
	return NewRedis(client, prefix, log), nil
}

// NewRedis wraps an existing client. The queue owns it from here on.
func NewRedis(client *redis.Client, prefix string, log logx.Logger) Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &redisQueue{client: client, prefix: prefix, log: log}
}

func (q *redisQueue) Enqueue(ctx context.Context, key string, payload []byte, score int64, due time.Time) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.prefix + key, q.prefix + windowsKey},
		score, payload, due.UnixMilli(), key,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return n == 1, nil
}

func (q *redisQueue) Drain(ctx context.Context, key string) ([][]byte, error) {
	items, err := drainScript.Run(ctx, q.client,
		[]string{q.prefix + key, q.prefix + windowsKey},
		key,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	out := make([][]byte, len(items))
	for i, s := range items {
		out[i] = []byte(s)
	}
	return out, nil
}

func (q *redisQueue) Stale(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := q.client.ZRangeByScore(ctx, q.prefix+windowsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(dueBefore.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale windows: %w", err)
	}
	return keys, nil
}

func (q *redisQueue) Close() error { return q.client.Close() }
