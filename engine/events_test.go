package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribersReceivePublishedEvents(t *testing.T) {
	es := NewEventStream(nil)
	defer es.Close()

	ch1, cancel1 := es.Subscribe()
	defer cancel1()
	ch2, cancel2 := es.Subscribe()
	defer cancel2()

	es.Publish(Event{Type: EventTaskStarted, TaskID: "a"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, EventTaskStarted, ev.Type)
		assert.Equal(t, "a", ev.TaskID)
		assert.False(t, ev.At.IsZero())
	}
}

func TestSlowSubscriberLosesOldestEvent(t *testing.T) {
	es := NewEventStream(nil)
	defer es.Close()

	ch, cancel := es.Subscribe()
	defer cancel()

	// Overfill the buffer without draining.
	for i := 0; i < 70; i++ {
		es.Publish(Event{Type: EventTaskSubmitted, TaskID: fmt.Sprintf("t%d", i)})
	}

	// The oldest events were dropped; the newest survives.
	assert.Len(t, ch, 64)
	last := Event{}
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, "t69", last.TaskID)
}

func TestCancelStopsDelivery(t *testing.T) {
	es := NewEventStream(nil)
	defer es.Close()

	ch, cancel := es.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	es.Publish(Event{Type: EventTaskSucceeded})
	cancel()
}

func TestCloseEndsAllSubscribers(t *testing.T) {
	es := NewEventStream(nil)
	ch, _ := es.Subscribe()
	es.Close()

	_, open := <-ch
	assert.False(t, open)

	// A subscription after close yields a closed channel.
	ch2, cancel := es.Subscribe()
	_, open = <-ch2
	require.False(t, open)
	cancel()
}
