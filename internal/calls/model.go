package calls

import (
	"time"

	"github.com/google/uuid"
)

// CallRecord is an immutable log entry for one completed call. The retell
// agent id is denormalized on purpose: agents may be deleted after the fact
// and the history should still read coherently.
type CallRecord struct {
	ID              uuid.UUID
	RetellCallID    string
	RetellAgentID   string
	PhoneNumber     string
	Transcript      string
	DurationSeconds int
	Status          string
	CreatedAt       time.Time
}
