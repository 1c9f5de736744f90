package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindFilteredDelivery(t *testing.T) {
	bus := NewBus(8)
	denials := bus.Subscribe(KindAccessDenied)
	all := bus.Subscribe()

	bus.Emit(KindAccessDenied, "combiner", "req-1", map[string]interface{}{"reason": "low trust"})
	bus.Emit(KindSessionCreated, "registry", "sess-1", nil)

	require.Len(t, denials, 1)
	got := <-denials
	assert.Equal(t, "req-1", got.Subject)
	assert.Equal(t, "low trust", got.Data["reason"])

	assert.Len(t, all, 2)
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe(KindThreatDetected)

	bus.Emit(KindThreatDetected, "engine", "th-1", nil)
	bus.Emit(KindThreatDetected, "engine", "th-2", nil)

	// Second event dropped, first retained.
	require.Len(t, ch, 1)
	assert.Equal(t, "th-1", (<-ch).Subject)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe(KindSessionTerminated)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op, not a panic.
	bus.Emit(KindSessionTerminated, "registry", "sess-1", nil)
}
