package agents

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a configured voice agent owned by one client and mirrored on the
// voice-agent platform under RetellAgentID.
type Agent struct {
	ID            uuid.UUID
	ClientID      uuid.UUID
	Name          string
	RetellAgentID string
	RetellLLMID   string
	Prompt        string
	Voice         string
	Language      string
	CreatedAt     time.Time
}
