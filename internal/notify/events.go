// Package notify emits change events for committed group and membership
// mutations. Delivery is at-least-once and unordered across independent
// groups; payloads carry entity identity only, so consumers treat them as
// invalidation hints and re-read current state.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of committed mutation.
type EventType string

const (
	GroupCreated      EventType = "group.created"
	GroupUpdated      EventType = "group.updated"
	GroupDeleted      EventType = "group.deleted"
	MembershipAdded   EventType = "membership.added"
	MembershipRemoved EventType = "membership.removed"
)

// Event is one logical change notification. MessageIDs lists the messages
// affected by a membership change so subscribers can update only the
// affected rows instead of reloading everything.
type Event struct {
	Type       EventType   `json:"type"`
	GroupID    uuid.UUID   `json:"group_id"`
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`
	At         time.Time   `json:"at"`
}

// Publisher is the publish-side contract. Publish must not fail the calling
// mutation: delivery problems are logged, never propagated.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout publishes each event to every wrapped publisher.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}

// Discard is a no-op publisher for tests and tools that don't subscribe.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) {}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, groupID uuid.UUID, messageIDs ...uuid.UUID) Event {
	return Event{
		Type:       t,
		GroupID:    groupID,
		MessageIDs: messageIDs,
		At:         time.Now(),
	}
}
