package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBus_DeliversInOrder(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	got := make(chan Event, 3)
	unsub, err := bus.Subscribe(EventListUpdate, func(ev Event) { got <- ev })
	require.NoError(t, err)
	defer unsub()

	ctx := context.Background()
	for _, name := range []string{"T-1", "T-2", "T-3"} {
		require.NoError(t, bus.Publish(ctx, EventListUpdate, map[string]any{"doctype": "Task", "name": name}))
	}
	for _, want := range []string{"T-1", "T-2", "T-3"} {
		select {
		case ev := <-got:
			assert.Equal(t, "Task", ev.Doctype())
			assert.Equal(t, want, ev.Data["name"])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	got := make(chan Event, 1)
	unsub, err := bus.Subscribe(EventNotification, func(ev Event) { got <- ev })
	require.NoError(t, err)
	unsub()
	unsub()

	require.NoError(t, bus.Publish(context.Background(), EventNotification, nil))
	select {
	case <-got:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_Closed(t *testing.T) {
	bus := NewLocalBus(nil)
	unsub, err := bus.Subscribe(EventDocUpdate, func(Event) {})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	unsub()
	assert.ErrorIs(t, bus.Publish(context.Background(), EventDocUpdate, nil), ErrClosed)
	_, err = bus.Subscribe(EventDocUpdate, func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
