package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus[string](4)
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish("hello")

	assert.Equal(t, "hello", <-ch1)
	assert.Equal(t, "hello", <-ch2)
}

func TestBus_CancelIsDeterministic(t *testing.T) {
	b := NewBus[int](1)
	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.Len())

	cancel()
	cancel()

	assert.Zero(t, b.Len())
	_, ok := <-ch
	assert.False(t, ok, "channel closed on cancel")

	b.Publish(1)
}

func TestBus_FullSubscriberKeepsNewest(t *testing.T) {
	b := NewBus[int](2)
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)
}

func TestBus_Close(t *testing.T) {
	b := NewBus[int](0)
	ch, cancel := b.Subscribe()

	b.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
