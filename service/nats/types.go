package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
)

const (
	// StreamName is the name of the JetStream stream for engine events.
	StreamName = "ENGINE_EVENTS"

	// SubjectPrefix prefixes every event subject.
	SubjectPrefix = "events"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + ".*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 7 * 24 * time.Hour
)

// EventMessage is an engine event as published to "events.{wallet}".
type EventMessage struct {
	engine.Event
	PublishedAt time.Time `json:"published_at"`
}

// NewEventMessage wraps an engine event for publishing.
func NewEventMessage(ev engine.Event) *EventMessage {
	return &EventMessage{Event: ev, PublishedAt: time.Now().UTC()}
}

// Subject returns the subject for a wallet's events. An empty wallet maps
// to the wildcard subject.
func Subject(wallet string) string {
	if wallet == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("%s.%s", SubjectPrefix, wallet)
}
