package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Subscription) []Event {
	var out []Event
	for ev := range s.C() {
		out = append(out, ev)
	}
	return out
}

func TestHub_BroadcastsInOrder(t *testing.T) {
	h := NewHub(16)
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(Created(1, "hello"))
	h.Publish(Started(1))
	h.Publish(Stdout(1, "hi"))
	h.Publish(Completed(1, 0))
	h.Close()

	for _, s := range []*Subscription{a, b} {
		got := drain(s)
		require.Len(t, got, 4)
		assert.Equal(t, TypeCreated, got[0].Type)
		assert.Equal(t, "hello", got[0].Name)
		assert.Equal(t, TypeStarted, got[1].Type)
		assert.Equal(t, "hi", got[2].Message)
		assert.Equal(t, []int{0}, got[3].ExitStatuses)
	}
}

func TestHub_FullSubscriberDropsAndCountsLag(t *testing.T) {
	h := NewHub(2)
	s := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.Publish(Stdout(1, "line"))
	}
	assert.Equal(t, uint64(3), s.TakeLag())
	assert.Equal(t, uint64(0), s.TakeLag())

	h.Close()
	assert.Len(t, drain(s), 2)
}

func TestHub_SubscribeAfterCloseIsClosed(t *testing.T) {
	h := NewHub(4)
	h.Close()
	h.Close()

	s := h.Subscribe()
	_, ok := <-s.C()
	assert.False(t, ok)
	assert.True(t, h.Closed())

	h.Publish(Started(1))
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	h := NewHub(4)
	s := h.Subscribe()
	other := h.Subscribe()

	h.Publish(Started(1))
	s.Close()
	s.Close()
	h.Publish(Started(2))
	h.Close()

	assert.Len(t, drain(s), 1)
	assert.Len(t, drain(other), 2)
}
