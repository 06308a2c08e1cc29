package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupCacheEvictsClosestToExpiry(t *testing.T) {
	c := newDedupCache()
	now := time.Now()
	c.mark("a", now.Add(time.Second), now, 2)
	c.mark("b", now.Add(time.Hour), now, 2)
	c.mark("c", now.Add(time.Minute), now, 2)

	assert.False(t, c.suppressed("a", now))
	assert.True(t, c.suppressed("b", now))
	assert.True(t, c.suppressed("c", now))
	assert.False(t, c.suppressed("c", now.Add(2*time.Minute)))
}

func TestChatLimitersArePerChat(t *testing.T) {
	l := newChatLimiters(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.wait(ctx, 1))
	require.NoError(t, l.wait(ctx, 2), "another chat has its own budget")
	assert.Error(t, l.wait(ctx, 1), "second send into chat 1 must wait a minute")

	l.setRate(0)
	assert.NoError(t, l.wait(ctx, 1))
}
