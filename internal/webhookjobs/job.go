package webhookjobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a webhook job.
//
// Legal transitions, enforced at the store:
//
//	pending -> processing
//	processing -> completed
//	processing -> pending   (transient failure, retry count incremented)
//	processing -> failed
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type discriminates the work a job carries.
type Type string

// TypeReassignNumber repoints a phone number's agent assignment on the
// voice-agent platform after a synchronous attempt did not stick.
const TypeReassignNumber Type = "reassign_number"

// Payload is the opaque work description stored with a job.
type Payload struct {
	PhoneNumber     string `json:"phone_number"`
	FallbackAgentID string `json:"fallback_agent_id"`
}

// Job is a durable unit of retryable work.
type Job struct {
	ID         uuid.UUID
	Type       Type
	Payload    Payload
	Status     Status
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
