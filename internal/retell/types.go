package retell

import "errors"

// Defaults applied when a caller leaves agent fields empty.
const (
	DefaultVoiceID  = "11labs-Adrian"
	DefaultLanguage = "en-US"
)

// ResponseEngine binds an agent to its conversation backend.
type ResponseEngine struct {
	Type  string `json:"type"`
	LLMID string `json:"llm_id"`
}

// CreateLLMRequest provisions a conversation config.
type CreateLLMRequest struct {
	GeneralPrompt string `json:"general_prompt"`
	BeginMessage  string `json:"begin_message,omitempty"`
}

// UpdateLLMRequest patches a conversation config. Nil fields are left
// untouched.
type UpdateLLMRequest struct {
	GeneralPrompt *string `json:"general_prompt,omitempty"`
	BeginMessage  *string `json:"begin_message,omitempty"`
}

// LLM is the platform's view of a conversation config.
type LLM struct {
	LLMID         string `json:"llm_id"`
	GeneralPrompt string `json:"general_prompt"`
	BeginMessage  string `json:"begin_message"`
}

// CreateAgentRequest provisions a voice agent.
type CreateAgentRequest struct {
	AgentName      string         `json:"agent_name"`
	VoiceID        string         `json:"voice_id"`
	Language       string         `json:"language"`
	ResponseEngine ResponseEngine `json:"response_engine"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
}

func (r CreateAgentRequest) validate() error {
	if r.AgentName == "" {
		return errors.New("retell: agent name required")
	}
	if r.ResponseEngine.LLMID == "" {
		return errors.New("retell: response engine llm id required")
	}
	return nil
}

// UpdateAgentRequest patches a voice agent. Nil fields are left untouched.
type UpdateAgentRequest struct {
	AgentName  *string `json:"agent_name,omitempty"`
	VoiceID    *string `json:"voice_id,omitempty"`
	Language   *string `json:"language,omitempty"`
	WebhookURL *string `json:"webhook_url,omitempty"`
}

// Agent is the platform's view of a voice agent.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	VoiceID        string         `json:"voice_id"`
	Language       string         `json:"language"`
	ResponseEngine ResponseEngine `json:"response_engine"`
	WebhookURL     string         `json:"webhook_url"`
}

// UpdatePhoneNumberRequest repoints a number's agent assignment.
type UpdatePhoneNumberRequest struct {
	InboundAgentID  *string `json:"inbound_agent_id,omitempty"`
	OutboundAgentID *string `json:"outbound_agent_id,omitempty"`
	Nickname        *string `json:"nickname,omitempty"`
}

// ImportPhoneNumberRequest registers a carrier number with the platform.
type ImportPhoneNumberRequest struct {
	PhoneNumber     string `json:"phone_number"`
	TerminationURI  string `json:"termination_uri"`
	InboundAgentID  string `json:"inbound_agent_id,omitempty"`
	OutboundAgentID string `json:"outbound_agent_id,omitempty"`
	Nickname        string `json:"nickname,omitempty"`
}

func (r ImportPhoneNumberRequest) validate() error {
	if r.PhoneNumber == "" {
		return errors.New("retell: phone number required")
	}
	if r.TerminationURI == "" {
		return errors.New("retell: termination uri required")
	}
	return nil
}

// PhoneNumber is the platform's routing view of a number.
type PhoneNumber struct {
	PhoneNumber     string `json:"phone_number"`
	InboundAgentID  string `json:"inbound_agent_id"`
	OutboundAgentID string `json:"outbound_agent_id"`
	Nickname        string `json:"nickname"`
}
