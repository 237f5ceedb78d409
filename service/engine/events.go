package engine

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/rebalancer/service/strategy"
)

// EventKind tags an Event.
type EventKind string

const (
	EventQueueUpdate          EventKind = "queue_update"
	EventTransactionStarted   EventKind = "transaction_started"
	EventTransactionSubmitted EventKind = "transaction_submitted"
	EventTransactionConfirmed EventKind = "transaction_confirmed"
	EventTransactionFailed    EventKind = "transaction_failed"
	EventTransactionTimeout   EventKind = "transaction_timeout"
	EventHistoryUpdated       EventKind = "history_updated"
)

// Event is a queue or transaction lifecycle notification. Which optional
// fields are set depends on Kind.
type Event struct {
	Kind        EventKind           `json:"kind"`
	Wallet      string              `json:"wallet,omitempty"`
	At          time.Time           `json:"at"`
	QueueLength int                 `json:"queue_length"`
	EntryID     string              `json:"entry_id,omitempty"`
	Attempt     int                 `json:"attempt,omitempty"`
	Operation   *strategy.Operation `json:"operation,omitempty"`
	Record      *TransactionRecord  `json:"record,omitempty"`
	History     *HistoryEntry       `json:"history,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Listener receives events synchronously on the publishing goroutine. It
// must not block; a panic is recovered and logged.
type Listener func(Event)

// SubscriptionID identifies a registered Listener.
type SubscriptionID uint64

// Bus fans events out to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	next      SubscriptionID
	listeners map[SubscriptionID]Listener
	logger    *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		listeners: make(map[SubscriptionID]Listener),
		logger:    logger,
	}
}

// Subscribe registers l and returns an id for Unsubscribe.
func (b *Bus) Subscribe(l Listener) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.listeners[b.next] = l
	return b.next
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers ev to every listener registered at the time of the call,
// in subscription order.
func (b *Bus) Publish(ev Event) {
	type sub struct {
		id SubscriptionID
		l  Listener
	}
	b.mu.RLock()
	snapshot := make([]sub, 0, len(b.listeners))
	for id, l := range b.listeners {
		snapshot = append(snapshot, sub{id, l})
	}
	b.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })
	for _, s := range snapshot {
		b.deliver(s.id, s.l, ev)
	}
}

func (b *Bus) deliver(id SubscriptionID, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"subscription", id,
				"kind", ev.Kind,
				"panic", r,
			)
		}
	}()
	l(ev)
}

// Buffered wraps a slow listener so it runs on its own goroutine. Events are
// dropped with a warning when the buffer is full. The returned stop function
// drains pending events and waits for fn to return.
func Buffered(size int, logger *slog.Logger, fn Listener) (Listener, func()) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ch := make(chan Event, size)
	done := make(chan struct{})
	var once sync.Once
	var mu sync.RWMutex
	stopped := false

	go func() {
		defer close(done)
		for ev := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("buffered listener panicked", "kind", ev.Kind, "panic", r)
					}
				}()
				fn(ev)
			}()
		}
	}()

	listener := func(ev Event) {
		mu.RLock()
		defer mu.RUnlock()
		if stopped {
			return
		}
		select {
		case ch <- ev:
		default:
			logger.Warn("event buffer full, dropping event",
				"kind", ev.Kind,
				"wallet", ev.Wallet,
			)
		}
	}
	stop := func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			close(ch)
			mu.Unlock()
			<-done
		})
	}
	return listener, stop
}
