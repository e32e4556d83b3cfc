package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a committed state change observable by other subsystems.
type EventType string

const (
	EventNoteCreated     EventType = "note.created"
	EventNoteUpdated     EventType = "note.updated"
	EventNoteDeleted     EventType = "note.deleted"
	EventActorUpdated    EventType = "actor.updated"
	EventActorDeleted    EventType = "actor.deleted"
	EventFollowRequested EventType = "follow.requested"
	EventFollowAccepted  EventType = "follow.accepted"
	EventFollowRejected  EventType = "follow.rejected"
	EventFollowUndone    EventType = "follow.undone"
	EventLiked           EventType = "like.created"
	EventLikeUndone      EventType = "like.undone"
	EventAnnounced       EventType = "announce.created"
	EventAnnounceUndone  EventType = "announce.undone"
	EventDeliveryDead    EventType = "delivery.dead"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type       EventType
	ActivityID string
	Actor      string
	Object     string
	JobID      uuid.UUID // delivery events only
	At         time.Time
}
