package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	a := bus.Subscribe(func(ev Event) { got = append(got, "a:"+string(ev.Kind)) })
	bus.Subscribe(func(ev Event) { got = append(got, "b:"+string(ev.Kind)) })
	assert.Equal(t, 2, bus.Len())

	bus.Publish(Event{Kind: EventQueueUpdate})
	bus.Unsubscribe(a)
	bus.Unsubscribe(a)
	bus.Publish(Event{Kind: EventHistoryUpdated})

	assert.Equal(t, []string{"a:queue_update", "b:queue_update", "b:history_updated"}, got)
	assert.Equal(t, 1, bus.Len())
}

func TestBus_PanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	delivered := 0
	bus.Subscribe(func(Event) { panic("listener bug") })
	bus.Subscribe(func(Event) { delivered++ })

	assert.NotPanics(t, func() { bus.Publish(Event{Kind: EventQueueUpdate}) })
	assert.Equal(t, 1, delivered)
}

func TestBuffered(t *testing.T) {
	var mu sync.Mutex
	var got []EventKind
	listener, stop := Buffered(8, nil, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Kind)
	})

	listener(Event{Kind: EventTransactionStarted})
	listener(Event{Kind: EventTransactionSubmitted})
	stop()
	stop()
	listener(Event{Kind: EventTransactionConfirmed})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventTransactionStarted, EventTransactionSubmitted}, got)
}

func TestBuffered_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	count := 0
	listener, stop := Buffered(1, nil, func(ev Event) {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			listener(Event{Kind: EventQueueUpdate})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener blocked the publisher")
	}

	close(release)
	stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, count, 1)
	assert.Less(t, count, 10)
}

func TestHistoryStore_CapAndOrder(t *testing.T) {
	h := NewHistoryStore(3)
	for i := 0; i < 5; i++ {
		h.Record("w", HistoryEntry{
			Kind:   HistoryTransaction,
			Record: &TransactionRecord{Hash: string(rune('a' + i))},
		})
	}

	list := h.Get("w")
	require.Len(t, list, 3)
	assert.Equal(t, "e", list[0].Record.Hash)
	assert.Equal(t, "d", list[1].Record.Hash)
	assert.Equal(t, "c", list[2].Record.Hash)

	_, ok := h.FindTransaction("a")
	assert.False(t, ok, "evicted entries are gone")
	rec, ok := h.FindTransaction("d")
	require.True(t, ok)
	assert.Equal(t, "d", rec.Hash)

	list[0].Kind = HistoryStrategy
	assert.Equal(t, HistoryTransaction, h.Get("w")[0].Kind, "Get returns a copy")

	h.Clear("w")
	assert.Empty(t, h.Get("w"))
	assert.Empty(t, h.Get("other"))
}

func TestHistoryStore_DefaultLimit(t *testing.T) {
	h := NewHistoryStore(0)
	for i := 0; i < DefaultHistoryLimit+10; i++ {
		h.Record("w", HistoryEntry{Kind: HistoryStrategy})
	}
	assert.Len(t, h.Get("w"), DefaultHistoryLimit)
}
