package notifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// dedupCache remembers recently sent text per chat.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

func (c *dedupCache) suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[key]
	return ok && now.Before(u)
}

// mark records key until the given time, then evicts expired entries and,
// past max, the entries closest to expiry.
func (c *dedupCache) mark(key string, until, now time.Time, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for max > 0 && len(c.until) > max {
		var oldest string
		for k, u := range c.until {
			if oldest == "" || u.Before(c.until[oldest]) {
				oldest = k
			}
		}
		delete(c.until, oldest)
	}
}

// chatLimiters paces sends per chat. Telegram allows about 20 messages a
// minute into one group regardless of the global bot limit.
type chatLimiters struct {
	mu     sync.Mutex
	perMin int
	m      map[int64]*rate.Limiter
}

func newChatLimiters(perMin int) *chatLimiters {
	return &chatLimiters{perMin: perMin, m: map[int64]*rate.Limiter{}}
}

func (c *chatLimiters) setRate(perMin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if perMin == c.perMin {
		return
	}
	c.perMin = perMin
	c.m = map[int64]*rate.Limiter{}
}

func (c *chatLimiters) wait(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	if c.perMin <= 0 {
		c.mu.Unlock()
		return nil
	}
	lim, ok := c.m[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMin)), c.perMin)
		c.m[chatID] = lim
	}
	c.mu.Unlock()
	return lim.Wait(ctx)
}
