package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the state of an outbound delivery job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobInFlight  JobStatus = "in_flight"
	JobDelivered JobStatus = "delivered"
	JobDead      JobStatus = "dead"
)

// Terminal reports whether the job is never retried automatically.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobDead
}

// DeliveryJob is one outbound delivery of an activity to a single inbox.
type DeliveryJob struct {
	Id            uuid.UUID
	ActivityID    string
	ActivityJSON  string
	SigningActor  string
	TargetInbox   string
	AttemptCount  int
	NextAttemptAt time.Time
	Status        JobStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (job *DeliveryJob) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tActivity: %s \n\tInbox: %s \n\tStatus: %s \n\tAttempts: %d", job.Id, job.ActivityID, job.TargetInbox, job.Status, job.AttemptCount)
}

// ReplayRecord marks an activity id as already processed.
type ReplayRecord struct {
	ActivityID string
	SeenAt     time.Time
	TTL        time.Duration
}

// RateLimitCounter counts accepted activities of one origin host in a
// fixed window.
type RateLimitCounter struct {
	Host        string
	WindowStart time.Time
	Count       int64
}
