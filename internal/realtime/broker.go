// Package realtime fans committee change notifications out to live subscribers.
// Delivery is best-effort: a subscriber that falls behind loses events and is expected
// to resynchronize from the API.
package realtime

import (
	"context"
	"time"
)

const (
	EventMotionCreated     = "motion.created"
	EventMotionUpdated     = "motion.updated"
	EventMotionDeleted     = "motion.deleted"
	EventCommitteeUpdated  = "committee.updated"
	EventCommitteeDeleted  = "committee.deleted"
	EventDiscussionCreated = "discussion.created"
	EventMeetingUpdated    = "meeting.updated"
)

// subscriberBuffer bounds how far a subscriber may lag before events are dropped.
const subscriberBuffer = 32

type Event struct {
	Type        string    `json:"type"`
	CommitteeID string    `json:"committeeId"`
	ID          string    `json:"id,omitempty"`
	At          time.Time `json:"at"`
}

// Broker publishes events per committee. Subscribing with an empty committee id
// receives every committee's events. The returned channel closes when ctx ends.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, committeeID string) (<-chan Event, error)
	Close() error
}
