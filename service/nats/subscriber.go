package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber consumes engine events from JetStream with ephemeral consumers.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming events.
func NewSubscriber(natsURL, name string, logger *slog.Logger) (*Subscriber, error) {
	nc, js, err := Connect(natsURL, name)
	if err != nil {
		return nil, err
	}
	logger.Info("NATS subscriber initialized", "url", natsURL, "name", name)
	return &Subscriber{nc: nc, js: js, logger: logger}, nil
}

// Subscribe delivers new events for wallet (all wallets when empty) to
// handler until ctx is done. Messages that fail to decode are acked and
// skipped.
func (s *Subscriber) Subscribe(ctx context.Context, wallet string, handler func(*EventMessage)) error {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: Subject(wallet),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()
		var ev EventMessage
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			s.logger.Warn("failed to unmarshal event", "subject", msg.Subject(), "error", err)
			return
		}
		handler(&ev)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

// Close closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
