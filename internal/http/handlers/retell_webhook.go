package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/agents"
	"github.com/dialdesk/dialdesk/internal/calls"
	"github.com/dialdesk/dialdesk/internal/clients"
	"github.com/dialdesk/dialdesk/internal/observability/metrics"
	"github.com/dialdesk/dialdesk/internal/routing"
	"github.com/dialdesk/dialdesk/pkg/logging"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// CallEventVerifier checks the platform's webhook signature over raw bytes.
type CallEventVerifier interface {
	VerifyWebhookSignature(signature string, payload []byte) error
}

// AgentResolver maps a platform agent id to the owning tenant's agent row.
type AgentResolver interface {
	GetByRetellAgentID(ctx context.Context, retellAgentID string) (*agents.Agent, error)
}

// CallRecorder persists call history. Insert reports false for a call id
// that was already recorded.
type CallRecorder interface {
	Insert(ctx context.Context, rec *calls.CallRecord) (bool, error)
}

// UsageAccount reads and charges a client's minute balance.
type UsageAccount interface {
	GetByID(ctx context.Context, id uuid.UUID) (*clients.Client, error)
	AddUsage(ctx context.Context, clientID uuid.UUID, minutes int) error
}

// Suspender switches a client's numbers to the fallback message.
type Suspender interface {
	Suspend(ctx context.Context, client *clients.Client, email string) (*routing.Result, error)
}

// EventPublisher pushes realtime events to connected dashboards.
type EventPublisher interface {
	Publish(event string, payload any)
}

// RetellWebhookHandler ingests call lifecycle events from the voice-agent
// platform.
type RetellWebhookHandler struct {
	verifier CallEventVerifier
	agents   AgentResolver
	calls    CallRecorder
	accounts UsageAccount
	routing  Suspender
	events   EventPublisher
	metrics  *metrics.WebhookMetrics
	logger   *logging.Logger
}

// NewRetellWebhookHandler wires the call-completion pipeline. events and
// metrics may be nil.
func NewRetellWebhookHandler(
	verifier CallEventVerifier,
	agentRepo AgentResolver,
	callRepo CallRecorder,
	accounts UsageAccount,
	orchestrator Suspender,
	events EventPublisher,
	m *metrics.WebhookMetrics,
	logger *logging.Logger,
) *RetellWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetellWebhookHandler{
		verifier: verifier,
		agents:   agentRepo,
		calls:    callRepo,
		accounts: accounts,
		routing:  orchestrator,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

type retellEvent struct {
	Event string `json:"event"`
	Call  struct {
		CallID     string `json:"call_id"`
		AgentID    string `json:"agent_id"`
		FromNumber string `json:"from_number"`
		ToNumber   string `json:"to_number"`
		CallStatus string `json:"call_status"`
		Transcript string `json:"transcript"`
		// The platform's billing data; absent on zero-cost calls.
		CallCost struct {
			TotalDurationSeconds int64 `json:"total_duration_seconds"`
		} `json:"call_cost"`
	} `json:"call"`
}

// ServeHTTP handles POST /webhooks/retell.
//
// Responses steer the platform's redelivery: 204 acknowledges (including
// events we deliberately skip), 401 rejects bad signatures, and 500 asks
// for a retry after a transient persistence failure.
func (h *RetellWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.observe("error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Signature is computed over the bytes exactly as delivered.
	if err := h.verifier.VerifyWebhookSignature(r.Header.Get("X-Retell-Signature"), body); err != nil {
		h.logger.Warn("rejected call webhook", "error", err)
		h.observe("rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event retellEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.observe("malformed")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if event.Event != "call_analyzed" {
		// Interim lifecycle events carry no billable data.
		h.observe("skipped")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	agent, err := h.agents.GetByRetellAgentID(ctx, event.Call.AgentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			// Unknown agent: likely deleted between call and analysis.
			// Acknowledge so the platform stops redelivering.
			h.logger.Warn("call for unknown agent", "retell_agent_id", event.Call.AgentID, "call_id", event.Call.CallID)
			h.observe("orphaned")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("agent lookup failed", "error", err, "call_id", event.Call.CallID)
		h.observe("error")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	durationSeconds := int(event.Call.CallCost.TotalDurationSeconds)
	inserted, err := h.calls.Insert(ctx, &calls.CallRecord{
		RetellCallID:    event.Call.CallID,
		RetellAgentID:   event.Call.AgentID,
		PhoneNumber:     event.Call.FromNumber,
		Transcript:      event.Call.Transcript,
		DurationSeconds: durationSeconds,
		Status:          event.Call.CallStatus,
	})
	if err != nil {
		h.logger.Error("failed to record call", "error", err, "call_id", event.Call.CallID)
		h.observe("error")
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	if !inserted {
		// Redelivered event; the first delivery already billed it.
		h.observe("duplicate")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Partial minutes bill as whole minutes.
	minutes := (durationSeconds + 59) / 60
	if minutes > 0 {
		if err := h.accounts.AddUsage(ctx, agent.ClientID, minutes); err != nil {
			h.logger.Error("failed to bill minutes", "error", err, "client_id", agent.ClientID, "call_id", event.Call.CallID)
			h.observe("error")
			http.Error(w, "billing failed", http.StatusInternalServerError)
			return
		}
	}

	h.publish("call.recorded", map[string]any{
		"call_id":          event.Call.CallID,
		"client_id":        agent.ClientID.String(),
		"duration_seconds": durationSeconds,
	})

	client, err := h.accounts.GetByID(ctx, agent.ClientID)
	if err != nil {
		// The call is billed; suspension will catch up on the next call.
		h.logger.Error("failed to reload client after billing", "error", err, "client_id", agent.ClientID)
		h.observe("processed")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if client.OutOfMinutes() && client.PhoneStatus == clients.PhoneStatusActive {
		if h.routing != nil {
			if _, err := h.routing.Suspend(ctx, client, client.Email); err != nil {
				h.logger.Error("suspension failed", "error", err, "client_id", client.ID)
			} else if h.metrics != nil {
				h.metrics.ObserveSuspended()
			}
		}
	}

	h.observe("processed")
	if h.metrics != nil {
		h.metrics.ObserveLatency("retell", time.Since(start).Seconds())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RetellWebhookHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveReceived("retell", outcome)
	}
}

func (h *RetellWebhookHandler) publish(event string, payload any) {
	if h.events != nil {
		h.events.Publish(event, payload)
	}
}
