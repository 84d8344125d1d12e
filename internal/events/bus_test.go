package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(RunEvent{Type: RunStarted, RunID: "r1"})

	require.Equal(t, "r1", (<-a).RunID)
	got := <-c
	assert.Equal(t, RunStarted, got.Type)
	assert.False(t, got.At.IsZero())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(RunEvent{RunID: "1"})
	b.Publish(RunEvent{RunID: "2"})

	assert.Equal(t, "1", (<-ch).RunID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBus_Close(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	b.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	b.Publish(RunEvent{})

	late, _ := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}
