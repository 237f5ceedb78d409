package nats

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
)

const (
	sinkBufferSize     = 256
	sinkPublishTimeout = 5 * time.Second
)

// Sink forwards engine events to a Publisher without blocking the engine.
type Sink struct {
	listener engine.Listener
	stop     func()
}

// NewSink creates a Sink. Register Listener with Engine.Subscribe and call
// Close before closing the publisher.
func NewSink(publisher Publisher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	listener, stop := engine.Buffered(sinkBufferSize, logger, func(ev engine.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		defer cancel()
		if err := publisher.PublishEvent(ctx, NewEventMessage(ev)); err != nil {
			logger.Error("failed to publish engine event",
				"kind", ev.Kind,
				"wallet", ev.Wallet,
				"error", err,
			)
		}
	})
	return &Sink{listener: listener, stop: stop}
}

// Listener returns the engine listener.
func (s *Sink) Listener() engine.Listener {
	return s.listener
}

// Close flushes buffered events.
func (s *Sink) Close() {
	s.stop()
}
