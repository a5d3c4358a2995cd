package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbank-mm/pkg/types"
)

func TestPublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()
	bus := NewBus(4)

	bus.Publish(Event{
		Kind: SignalReceived,
		Data: SignalReceivedData{Signal: types.TradeSignal{ID: "sig-1"}},
	})

	evt := <-bus.Subscribe()
	require.Equal(t, SignalReceived, evt.Kind)
	require.False(t, evt.Timestamp.IsZero())

	data, ok := evt.Data.(SignalReceivedData)
	require.True(t, ok)
	assert.Equal(t, "sig-1", data.Signal.ID)
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	bus := NewBus(1)

	bus.Publish(Event{Kind: OrderSubmitted})
	bus.Publish(Event{Kind: OrderSubmitted}) // dropped, channel already full

	assert.True(t, bus.Dropped())
	assert.False(t, bus.Dropped(), "Dropped should reset after being observed")

	<-bus.Subscribe()
}
