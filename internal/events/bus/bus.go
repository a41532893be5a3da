// Package bus provides the event bus the gateway publishes run activity on.
// The subscription hub bridges bus subjects to WebSocket topics.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects. Per-run activity is published on run.<id>.<kind>; fleet-level
// activity on runs.* and agents.*.
const (
	KindEvent   = "event"   // run.<id>.event
	KindStatus  = "status"  // run.<id>.status
	KindCommand = "command" // run.<id>.command

	SubjectRunCreated  = "runs.created"
	SubjectRunDeleted  = "runs.deleted"
	SubjectAgentStatus = "agents.status"
)

// RunSubject builds the subject for per-run activity.
func RunSubject(runID, kind string) string {
	return "run." + runID + "." + kind
}

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes to subjects. Delivery is best-effort,
// at-most-once; catch-up reads go through the event log, not the bus.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS-style wildcards: * for one token, > for the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
