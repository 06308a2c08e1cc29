package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: WindowArmed})
	b.Publish(Event{Type: WindowFlushed})

	require.Equal(t, WindowArmed, (<-a).Type)
	require.Len(t, c, 2)

	unsubA()
	unsubA()
	_, ok := <-a
	require.False(t, ok)

	b.Publish(Event{Type: NotifySent})
	require.Len(t, c, 3)
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	failed, unsub := b.Subscribe(1, NotifyFailed)
	defer unsub()

	b.Publish(Event{Type: NotifySent})
	b.Publish(Event{Type: NotifyFailed})
	require.Equal(t, NotifyFailed, (<-failed).Type)
	require.Zero(t, b.Dropped())

	b.Publish(Event{Type: NotifyFailed})
	b.Publish(Event{Type: NotifyFailed})
	require.Equal(t, uint64(1), b.Dropped())
}
