package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/agents"
	"github.com/dialdesk/dialdesk/internal/calls"
	"github.com/dialdesk/dialdesk/internal/clients"
	"github.com/dialdesk/dialdesk/internal/http/middleware"
	"github.com/dialdesk/dialdesk/internal/numbers"
	"github.com/dialdesk/dialdesk/internal/payments"
	"github.com/dialdesk/dialdesk/internal/retell"
	"github.com/dialdesk/dialdesk/internal/twilio"
	"github.com/dialdesk/dialdesk/pkg/logging"
)

// AgentStore persists tenant agents.
type AgentStore interface {
	Create(ctx context.Context, agent *agents.Agent) (*agents.Agent, error)
	GetByID(ctx context.Context, clientID, id uuid.UUID) (*agents.Agent, error)
	ListByClient(ctx context.Context, clientID uuid.UUID) ([]agents.Agent, error)
	Update(ctx context.Context, agent *agents.Agent) error
	Delete(ctx context.Context, clientID, id uuid.UUID) error
}

// VoicePlatform is the slice of the voice-agent platform API the dashboard
// drives.
type VoicePlatform interface {
	CreateLLM(ctx context.Context, req retell.CreateLLMRequest) (*retell.LLM, error)
	UpdateLLM(ctx context.Context, llmID string, req retell.UpdateLLMRequest) (*retell.LLM, error)
	CreateAgent(ctx context.Context, req retell.CreateAgentRequest) (*retell.Agent, error)
	UpdateAgent(ctx context.Context, agentID string, req retell.UpdateAgentRequest) (*retell.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	PublishAgent(ctx context.Context, agentID string) error
	UpdatePhoneNumber(ctx context.Context, number string, req retell.UpdatePhoneNumberRequest) (*retell.PhoneNumber, error)
	ImportPhoneNumber(ctx context.Context, req retell.ImportPhoneNumberRequest) (*retell.PhoneNumber, error)
	DeletePhoneNumber(ctx context.Context, number string) error
}

// NumberStore persists tenant phone numbers.
type NumberStore interface {
	ListByClient(ctx context.Context, clientID uuid.UUID) ([]numbers.PhoneNumber, error)
	GetByID(ctx context.Context, clientID, id uuid.UUID) (*numbers.PhoneNumber, error)
	LinkAgent(ctx context.Context, clientID, id uuid.UUID, agentID *uuid.UUID) error
	Delete(ctx context.Context, clientID, id uuid.UUID) error
}

// NumberCarrier covers carrier inventory and teardown for the dashboard.
type NumberCarrier interface {
	SearchAvailableNumbers(ctx context.Context, country, areaCode string, limit int) ([]twilio.AvailableNumber, error)
	ReleaseNumber(ctx context.Context, numberSID string) error
}

// CheckoutStarter opens hosted checkout flows and tears subscriptions down.
type CheckoutStarter interface {
	CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// CallLister reads a tenant's call history.
type CallLister interface {
	ListByClient(ctx context.Context, clientID uuid.UUID, limit int) ([]calls.CallRecord, error)
}

// ClientReader loads account balances.
type ClientReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*clients.Client, error)
}

// DashboardConfig carries the constants dashboard flows depend on.
type DashboardConfig struct {
	PublicBaseURL      string
	SIPTrunkURI        string
	PhoneNumberPriceID string
	MinutePriceID      string
}

// Dashboard serves the JWT-protected tenant API.
type Dashboard struct {
	agents   AgentStore
	platform VoicePlatform
	numbers  NumberStore
	carrier  NumberCarrier
	billing  CheckoutStarter
	calls    CallLister
	clients  ClientReader
	logger   *logging.Logger
	cfg      DashboardConfig
}

// NewDashboard wires the tenant API handlers.
func NewDashboard(
	agentStore AgentStore,
	platform VoicePlatform,
	numberStore NumberStore,
	carrier NumberCarrier,
	billing CheckoutStarter,
	callStore CallLister,
	clientStore ClientReader,
	logger *logging.Logger,
	cfg DashboardConfig,
) *Dashboard {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dashboard{
		agents:   agentStore,
		platform: platform,
		numbers:  numberStore,
		carrier:  carrier,
		billing:  billing,
		calls:    callStore,
		clients:  clientStore,
		logger:   logger,
		cfg:      cfg,
	}
}

// Routes mounts the dashboard endpoints on a chi router.
func (d *Dashboard) Routes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", d.listAgents)
		r.Post("/", d.createAgent)
		r.Get("/{agentID}", d.getAgent)
		r.Put("/{agentID}", d.updateAgent)
		r.Delete("/{agentID}", d.deleteAgent)
	})
	r.Route("/numbers", func(r chi.Router) {
		r.Get("/", d.listNumbers)
		r.Get("/search", d.searchNumbers)
		r.Post("/checkout", d.startNumberCheckout)
		r.Post("/{numberID}/link", d.linkNumber)
		r.Delete("/{numberID}", d.releaseNumber)
	})
	r.Get("/calls", d.listCalls)
	r.Get("/account/minutes", d.minutesStatus)
	r.Post("/account/topup", d.startTopUpCheckout)
}

func (d *Dashboard) clientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.ClientIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return uuid.Nil, false
	}
	return id, true
}

type createAgentRequest struct {
	Name         string `json:"name"`
	Prompt       string `json:"prompt"`
	BeginMessage string `json:"begin_message"`
	Voice        string `json:"voice"`
	Language     string `json:"language"`
}

// createAgent provisions the platform side first and only then persists;
// a DB failure rolls the platform agent back so nothing is orphaned.
func (d *Dashboard) createAgent(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "name and prompt are required")
		return
	}
	if req.Voice == "" {
		req.Voice = retell.DefaultVoiceID
	}
	if req.Language == "" {
		req.Language = retell.DefaultLanguage
	}

	ctx := r.Context()
	llm, err := d.platform.CreateLLM(ctx, retell.CreateLLMRequest{
		GeneralPrompt: req.Prompt,
		BeginMessage:  req.BeginMessage,
	})
	if err != nil {
		d.logger.Error("llm creation failed", "error", err, "client_id", clientID)
		writeError(w, http.StatusBadGateway, "voice platform unavailable")
		return
	}

	platformAgent, err := d.platform.CreateAgent(ctx, retell.CreateAgentRequest{
		AgentName:      req.Name,
		VoiceID:        req.Voice,
		Language:       req.Language,
		ResponseEngine: retell.ResponseEngine{Type: "retell-llm", LLMID: llm.LLMID},
		WebhookURL:     d.cfg.PublicBaseURL + "/webhooks/retell",
	})
	if err != nil {
		d.logger.Error("agent creation failed", "error", err, "client_id", clientID)
		writeError(w, http.StatusBadGateway, "voice platform unavailable")
		return
	}

	agent := &agents.Agent{
		ClientID:      clientID,
		Name:          req.Name,
		RetellAgentID: platformAgent.AgentID,
		RetellLLMID:   llm.LLMID,
		Prompt:        req.Prompt,
		Voice:         req.Voice,
		Language:      req.Language,
	}
	if _, err := d.agents.Create(ctx, agent); err != nil {
		d.logger.Error("failed to persist agent, rolling back", "error", err, "retell_agent_id", platformAgent.AgentID)
		if delErr := d.platform.DeleteAgent(ctx, platformAgent.AgentID); delErr != nil {
			d.logger.Error("rollback delete failed", "error", delErr, "retell_agent_id", platformAgent.AgentID)
		}
		writeError(w, http.StatusInternalServerError, "failed to save agent")
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (d *Dashboard) listAgents(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	list, err := d.agents.ListByClient(r.Context(), clientID)
	if err != nil {
		d.logger.Error("failed to list agents", "error", err, "client_id", clientID)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (d *Dashboard) getAgent(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	agent, err := d.agents.GetByID(r.Context(), clientID, agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name         *string `json:"name"`
	Prompt       *string `json:"prompt"`
	BeginMessage *string `json:"begin_message"`
	Voice        *string `json:"voice"`
	Language     *string `json:"language"`
}

func (d *Dashboard) updateAgent(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := r.Context()
	agent, err := d.agents.GetByID(ctx, clientID, agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if req.Prompt != nil || req.BeginMessage != nil {
		if _, err := d.platform.UpdateLLM(ctx, agent.RetellLLMID, retell.UpdateLLMRequest{
			GeneralPrompt: req.Prompt,
			BeginMessage:  req.BeginMessage,
		}); err != nil {
			d.logger.Error("llm update failed", "error", err, "agent_id", agentID)
			writeError(w, http.StatusBadGateway, "voice platform unavailable")
			return
		}
	}
	if req.Name != nil || req.Voice != nil || req.Language != nil {
		if _, err := d.platform.UpdateAgent(ctx, agent.RetellAgentID, retell.UpdateAgentRequest{
			AgentName: req.Name,
			VoiceID:   req.Voice,
			Language:  req.Language,
		}); err != nil {
			d.logger.Error("agent update failed", "error", err, "agent_id", agentID)
			writeError(w, http.StatusBadGateway, "voice platform unavailable")
			return
		}
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Prompt != nil {
		agent.Prompt = *req.Prompt
	}
	if req.Voice != nil {
		agent.Voice = *req.Voice
	}
	if req.Language != nil {
		agent.Language = *req.Language
	}
	if err := d.agents.Update(ctx, agent); err != nil {
		d.logger.Error("failed to persist agent update", "error", err, "agent_id", agentID)
		writeError(w, http.StatusInternalServerError, "failed to save agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (d *Dashboard) deleteAgent(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	ctx := r.Context()
	agent, err := d.agents.GetByID(ctx, clientID, agentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if err := d.platform.DeleteAgent(ctx, agent.RetellAgentID); err != nil && !retell.IsNotFound(err) {
		d.logger.Error("platform agent delete failed", "error", err, "retell_agent_id", agent.RetellAgentID)
		writeError(w, http.StatusBadGateway, "voice platform unavailable")
		return
	}
	if err := d.agents.Delete(ctx, clientID, agentID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) listNumbers(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	list, err := d.numbers.ListByClient(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list numbers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"numbers": list})
}

func (d *Dashboard) searchNumbers(w http.ResponseWriter, r *http.Request) {
	if _, ok := d.clientID(w, r); !ok {
		return
	}
	country := r.URL.Query().Get("country")
	areaCode := r.URL.Query().Get("area_code")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := d.carrier.SearchAvailableNumbers(r.Context(), country, areaCode, limit)
	if err != nil {
		d.logger.Error("number search failed", "error", err)
		writeError(w, http.StatusBadGateway, "carrier unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": results})
}

type numberCheckoutRequest struct {
	PhoneNumber string `json:"phone_number"`
	SuccessURL  string `json:"success_url"`
	CancelURL   string `json:"cancel_url"`
}

// startNumberCheckout opens a subscription checkout for a number. The
// actual purchase happens when the payment webhook confirms the session.
func (d *Dashboard) startNumberCheckout(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	var req numberCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	session, err := d.billing.CreateCheckoutSession(r.Context(), payments.CheckoutParams{
		PriceID:    d.cfg.PhoneNumberPriceID,
		Mode:       "subscription",
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata: map[string]string{
			"type":         "phone_number_subscription",
			"user_id":      clientID.String(),
			"phone_number": req.PhoneNumber,
		},
	})
	if err != nil {
		d.logger.Error("checkout session failed", "error", err, "client_id", clientID)
		writeError(w, http.StatusBadGateway, "billing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": session.URL})
}

type linkNumberRequest struct {
	AgentID *uuid.UUID `json:"agent_id"`
}

// linkNumber points a number at an agent. Numbers the platform has not seen
// yet are imported on the fly.
func (d *Dashboard) linkNumber(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	numberID, err := uuid.Parse(chi.URLParam(r, "numberID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid number id")
		return
	}
	var req linkNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := r.Context()
	num, err := d.numbers.GetByID(ctx, clientID, numberID)
	if err != nil {
		if errors.Is(err, numbers.ErrNumberNotFound) {
			writeError(w, http.StatusNotFound, "number not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	var retellAgentID string
	if req.AgentID != nil {
		agent, err := d.agents.GetByID(ctx, clientID, *req.AgentID)
		if err != nil {
			if errors.Is(err, agents.ErrAgentNotFound) {
				writeError(w, http.StatusNotFound, "agent not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		retellAgentID = agent.RetellAgentID
	}

	if retellAgentID != "" {
		_, err = d.platform.UpdatePhoneNumber(ctx, num.PhoneNumber, retell.UpdatePhoneNumberRequest{
			InboundAgentID: &retellAgentID,
		})
		if retell.IsNotFound(err) {
			_, err = d.platform.ImportPhoneNumber(ctx, retell.ImportPhoneNumberRequest{
				PhoneNumber:    num.PhoneNumber,
				TerminationURI: d.cfg.SIPTrunkURI,
				InboundAgentID: retellAgentID,
			})
		}
		if err != nil {
			d.logger.Error("number assignment failed", "error", err, "phone_number", num.PhoneNumber)
			writeError(w, http.StatusBadGateway, "voice platform unavailable")
			return
		}
	}

	if err := d.numbers.LinkAgent(ctx, clientID, numberID, req.AgentID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save link")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// releaseNumber tears a number down everywhere. Upstream cleanup is best
// effort so one dead integration cannot strand the monthly charge.
func (d *Dashboard) releaseNumber(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	numberID, err := uuid.Parse(chi.URLParam(r, "numberID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid number id")
		return
	}

	ctx := r.Context()
	num, err := d.numbers.GetByID(ctx, clientID, numberID)
	if err != nil {
		if errors.Is(err, numbers.ErrNumberNotFound) {
			writeError(w, http.StatusNotFound, "number not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if err := d.platform.DeletePhoneNumber(ctx, num.PhoneNumber); err != nil && !retell.IsNotFound(err) {
		d.logger.Warn("platform number delete failed", "error", err, "phone_number", num.PhoneNumber)
	}
	if err := d.carrier.ReleaseNumber(ctx, num.TwilioSID); err != nil && !twilio.IsNotFound(err) {
		d.logger.Warn("carrier release failed", "error", err, "sid", num.TwilioSID)
	}
	if num.StripeSubscriptionItemID != "" {
		if err := d.billing.CancelSubscription(ctx, num.StripeSubscriptionItemID); err != nil {
			d.logger.Warn("subscription cancel failed", "error", err, "item_id", num.StripeSubscriptionItemID)
		}
	}

	if err := d.numbers.Delete(ctx, clientID, numberID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete number")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dashboard) listCalls(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := d.calls.ListByClient(r.Context(), clientID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": list})
}

func (d *Dashboard) minutesStatus(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	client, err := d.clients.GetByID(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"minutes_included":  client.MinutesIncluded,
		"minutes_used":      client.MinutesUsed,
		"minutes_remaining": client.RemainingMinutes(),
		"phone_status":      client.PhoneStatus,
	})
}

type topUpRequest struct {
	Quantity   int    `json:"quantity"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (d *Dashboard) startTopUpCheckout(w http.ResponseWriter, r *http.Request) {
	clientID, ok := d.clientID(w, r)
	if !ok {
		return
	}
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	client, err := d.clients.GetByID(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	session, err := d.billing.CreateCheckoutSession(r.Context(), payments.CheckoutParams{
		PriceID:       d.cfg.MinutePriceID,
		Quantity:      req.Quantity,
		Mode:          "payment",
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		CustomerEmail: client.Email,
	})
	if err != nil {
		d.logger.Error("top-up checkout failed", "error", err, "client_id", clientID)
		writeError(w, http.StatusBadGateway, "billing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": session.URL})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
