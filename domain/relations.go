package domain

import (
	"time"

	"github.com/google/uuid"
)

// FollowState is the state of a follow relationship.
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
	FollowRejected FollowState = "rejected"
)

// Follow is a relationship between a follower and a followed actor. It is
// used both for remote actors following local accounts and for our own
// outgoing follows.
type Follow struct {
	Id          uuid.UUID
	ActivityURI string
	ActorURI    string // follower
	TargetURI   string // followed
	State       FollowState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReactionKind distinguishes likes from announces.
type ReactionKind string

const (
	ReactionLike     ReactionKind = "like"
	ReactionAnnounce ReactionKind = "announce"
)

// Reaction is a Like or Announce of an object by a remote actor, keyed by
// the id of the activity that created it.
type Reaction struct {
	Id          uuid.UUID
	Kind        ReactionKind
	ActivityURI string
	ActorURI    string
	ObjectURI   string
	CreatedAt   time.Time
}
