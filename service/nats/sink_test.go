package nats

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.0xabc", Subject("0xabc"))
	assert.Equal(t, "events.*", Subject(""))
}

func TestSink_ForwardsEvents(t *testing.T) {
	pub := NewMockPublisher()
	sink := NewSink(pub, nil)

	bus := engine.NewBus(nil)
	bus.Subscribe(sink.Listener())
	bus.Publish(engine.Event{Kind: engine.EventTransactionStarted, Wallet: "0xa"})
	bus.Publish(engine.Event{Kind: engine.EventTransactionSubmitted, Wallet: "0xb"})
	sink.Close()

	published := pub.Published()
	require.Len(t, published, 2)
	assert.Equal(t, engine.EventTransactionStarted, published[0].Kind)
	assert.False(t, published[0].PublishedAt.IsZero())
	assert.Len(t, pub.PublishedForWallet("0xb"), 1)
}

func TestSink_PublishErrorsDoNotPropagate(t *testing.T) {
	pub := NewMockPublisher()
	pub.SetPublishError(errors.New("nats down"))
	sink := NewSink(pub, nil)

	assert.NotPanics(t, func() {
		sink.Listener()(engine.Event{Kind: engine.EventQueueUpdate, Wallet: "0xa"})
	})
	sink.Close()
	assert.Empty(t, pub.Published())
}

func TestEventMessage_JSONFlattensEvent(t *testing.T) {
	msg := NewEventMessage(engine.Event{Kind: engine.EventTransactionTimeout, Wallet: "0xa", QueueLength: 2})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "transaction_timeout", raw["kind"])
	assert.Equal(t, "0xa", raw["wallet"])
	assert.Contains(t, raw, "published_at")

	var back EventMessage
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, engine.EventTransactionTimeout, back.Kind)
	assert.Equal(t, 2, back.QueueLength)
}
