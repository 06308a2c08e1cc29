// Package queue holds per-key coalescing buffers of webhook payloads.
//
// Each key is an ordered multiset of payloads scored by event time. Enqueue
// reports whether the key already existed, which is what lets exactly one
// caller own the drain timer for a window. Drain reads and removes a key in
// one atomic step so an enqueue that lands after it opens a fresh window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "taigabot/pkg/logx"
)

var ErrClosed = errors.New("queue closed")

type Queue interface {
	// Enqueue adds payload under key with the given score. existed is true
	// when key held at least one payload before the call. due is recorded
	// only by the call that opens the window.
	Enqueue(ctx context.Context, key string, payload []byte, score int64, due time.Time) (existed bool, err error)
	// Drain returns every payload under key in ascending score order and
	// deletes the key. A missing key yields an empty slice.
	Drain(ctx context.Context, key string) ([][]byte, error)
	// Stale lists keys whose window was due before the cutoff, earliest
	// first.
	Stale(ctx context.Context, dueBefore time.Time, limit int) ([]string, error)
	Close() error
}

type Config struct {
	Driver string
	URL    string
	Prefix string
}

const DefaultPrefix = "taigabot:aggregation:"

func Open(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "redis"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "queue"), logx.String("driver", driver))

	switch driver {
	case "redis":
		return OpenRedis(ctx, cfg.URL, prefix, log)
	case "memory":
		log.Warn("memory queue selected; pending windows are lost on restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", driver)
	}
}
