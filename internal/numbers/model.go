package numbers

import (
	"time"

	"github.com/google/uuid"
)

// PhoneNumber is a carrier number owned by a client, optionally linked to an
// agent. The agent link survives suspension so restoration can route the
// number back to the right destination.
type PhoneNumber struct {
	ID                       uuid.UUID
	ClientID                 uuid.UUID
	AgentID                  *uuid.UUID
	PhoneNumber              string
	TwilioSID                string
	MonthlyCost              float64
	StripeSubscriptionItemID string
	CreatedAt                time.Time
}
