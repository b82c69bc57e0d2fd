package clients

import (
	"time"

	"github.com/google/uuid"
)

// PhoneStatus reflects whether a client's numbers are routed to live agents
// or to the out-of-minutes fallback message.
type PhoneStatus string

const (
	PhoneStatusActive   PhoneStatus = "active"
	PhoneStatusInactive PhoneStatus = "inactive"
)

// Client is a tenant account with a prepaid minute balance.
type Client struct {
	ID               uuid.UUID
	Email            string
	MinutesIncluded  int
	MinutesUsed      int
	PhoneStatus      PhoneStatus
	StripeCustomerID string
	CreatedAt        time.Time
}

// OutOfMinutes reports whether the prepaid balance is exhausted.
func (c *Client) OutOfMinutes() bool {
	return c.MinutesUsed >= c.MinutesIncluded
}

// RemainingMinutes returns the unused balance, never negative.
func (c *Client) RemainingMinutes() int {
	if remaining := c.MinutesIncluded - c.MinutesUsed; remaining > 0 {
		return remaining
	}
	return 0
}
