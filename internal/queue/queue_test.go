package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taigabot/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemory() },
		"redis": func(t *testing.T) Queue {
			mr := miniredis.RunT(t)
			q := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", logx.Nop())
			t.Cleanup(func() { _ = q.Close() })
			return q
		},
	}
}

func TestEnqueueReportsFirstWriter(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			q := open(t)
			ctx := context.Background()

			existed, err := q.Enqueue(ctx, "1:task:42", []byte("b"), 20, time.Now())
			require.NoError(t, err)
			assert.False(t, existed)

			existed, err = q.Enqueue(ctx, "1:task:42", []byte("a"), 10, time.Now())
			require.NoError(t, err)
			assert.True(t, existed)

			existed, err = q.Enqueue(ctx, "1:task:43", []byte("x"), 10, time.Now())
			require.NoError(t, err)
			assert.False(t, existed)
		})
	}
}

func TestDrainReturnsScoreOrderAndDeletes(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			q := open(t)
			ctx := context.Background()
			for _, it := range []struct {
				p string
				s int64
			}{{"third", 30}, {"first", 10}, {"second", 20}, {"first", 10}} {
				_, err := q.Enqueue(ctx, "k", []byte(it.p), it.s, time.Now())
				require.NoError(t, err)
			}

			items, err := q.Drain(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, items)

			items, err = q.Drain(ctx, "k")
			require.NoError(t, err)
			assert.Empty(t, items)

			existed, err := q.Enqueue(ctx, "k", []byte("late"), 40, time.Now())
			require.NoError(t, err)
			assert.False(t, existed, "enqueue after drain opens a new window")
		})
	}
}

func TestStaleListsOldWindowsUntilDrained(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			q := open(t)
			ctx := context.Background()
			_, err := q.Enqueue(ctx, "1:task:1", []byte("a"), 1, time.Now())
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, "1:task:2", []byte("b"), 1, time.Now())
			require.NoError(t, err)

			keys, err := q.Stale(ctx, time.Now().Add(-time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, keys)

			keys, err = q.Stale(ctx, time.Now().Add(time.Hour), 10)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"1:task:1", "1:task:2"}, keys)

			_, err = q.Drain(ctx, "1:task:1")
			require.NoError(t, err)
			keys, err = q.Stale(ctx, time.Now().Add(time.Hour), 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"1:task:2"}, keys)
		})
	}
}

func TestStaleUsesDueOfOpeningEnqueue(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			q := open(t)
			ctx := context.Background()
			base := time.Now()
			_, err := q.Enqueue(ctx, "1:task:late", []byte("a"), 1, base.Add(time.Hour))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, "1:task:soon", []byte("b"), 1, base.Add(time.Minute))
			require.NoError(t, err)
			// Later writers do not move the window's due time.
			_, err = q.Enqueue(ctx, "1:task:soon", []byte("c"), 2, base.Add(3*time.Hour))
			require.NoError(t, err)

			keys, err := q.Stale(ctx, base.Add(2*time.Minute), 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"1:task:soon"}, keys)

			keys, err = q.Stale(ctx, base.Add(2*time.Hour), 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"1:task:soon", "1:task:late"}, keys)
		})
	}
}

func TestConcurrentEnqueueHasSingleFirstWriter(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			q := open(t)
			ctx := context.Background()
			var first atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					existed, err := q.Enqueue(ctx, "hot", []byte(fmt.Sprintf("p%02d", i)), int64(i), time.Now())
					assert.NoError(t, err)
					if !existed {
						first.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), first.Load())

			items, err := q.Drain(ctx, "hot")
			require.NoError(t, err)
			assert.Len(t, items, 32)
		})
	}
}

func TestMemoryClosed(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), "k", []byte("a"), 1, time.Now())
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.Drain(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)
}
