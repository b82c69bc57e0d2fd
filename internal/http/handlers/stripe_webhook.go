package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/clients"
	"github.com/dialdesk/dialdesk/internal/numbers"
	"github.com/dialdesk/dialdesk/internal/observability/metrics"
	"github.com/dialdesk/dialdesk/internal/payments"
	"github.com/dialdesk/dialdesk/internal/routing"
	"github.com/dialdesk/dialdesk/internal/twilio"
	"github.com/dialdesk/dialdesk/pkg/logging"
)

// PaymentVerifier checks Stripe's webhook signature over raw bytes.
type PaymentVerifier interface {
	VerifyWebhookSignature(header string, payload []byte) error
}

// BillingAPI is the slice of the Stripe client the webhook needs after a
// session completes.
type BillingAPI interface {
	ListLineItems(ctx context.Context, sessionID string) ([]payments.LineItem, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*payments.Subscription, error)
}

// BalanceAccount resolves buyers and credits their minute balance.
type BalanceAccount interface {
	GetByID(ctx context.Context, id uuid.UUID) (*clients.Client, error)
	GetByEmail(ctx context.Context, email string) (*clients.Client, error)
	AddMinutes(ctx context.Context, clientID uuid.UUID, minutes int) (int, error)
	SetStripeCustomerIDIfEmpty(ctx context.Context, clientID uuid.UUID, customerID string) error
}

// Restorer switches a client's numbers back to normal routing.
type Restorer interface {
	Restore(ctx context.Context, client *clients.Client) (*routing.Result, error)
}

// NumberProvisioner covers the carrier operations for a paid number.
type NumberProvisioner interface {
	PurchaseNumberOnTrunk(ctx context.Context, phoneNumber, trunkSID string) (*twilio.IncomingNumber, error)
	PurchaseNumberWithVoiceURL(ctx context.Context, phoneNumber, voiceURL string) (*twilio.IncomingNumber, error)
	ReleaseNumber(ctx context.Context, numberSID string) error
}

// NumberInserter persists a provisioned number.
type NumberInserter interface {
	Insert(ctx context.Context, num *numbers.PhoneNumber) (*numbers.PhoneNumber, error)
}

// StripeWebhookConfig carries the routing constants the handler needs when a
// paid number is provisioned.
type StripeWebhookConfig struct {
	TrunkSID          string
	FallbackVoiceURL  string
	MonthlyNumberCost float64
}

// StripeWebhookHandler ingests billing events: minute top-ups and phone
// number subscriptions.
type StripeWebhookHandler struct {
	verifier PaymentVerifier
	billing  BillingAPI
	packages payments.MinutePackages
	accounts BalanceAccount
	routing  Restorer
	carrier  NumberProvisioner
	numbers  NumberInserter
	events   EventPublisher
	metrics  *metrics.WebhookMetrics
	logger   *logging.Logger
	cfg      StripeWebhookConfig
}

// NewStripeWebhookHandler wires the payment pipeline. carrier, numbers,
// events and metrics may be nil when the corresponding flow is disabled.
func NewStripeWebhookHandler(
	verifier PaymentVerifier,
	billing BillingAPI,
	packages payments.MinutePackages,
	accounts BalanceAccount,
	orchestrator Restorer,
	carrier NumberProvisioner,
	numberRepo NumberInserter,
	events EventPublisher,
	m *metrics.WebhookMetrics,
	logger *logging.Logger,
	cfg StripeWebhookConfig,
) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		billing:  billing,
		packages: packages,
		accounts: accounts,
		routing:  orchestrator,
		carrier:  carrier,
		numbers:  numberRepo,
		events:   events,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ServeHTTP handles POST /webhooks/stripe.
func (h *StripeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.observe("error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	header := r.Header.Get("Stripe-Signature")
	if header == "" {
		h.observe("rejected")
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}
	if err := h.verifier.VerifyWebhookSignature(header, body); err != nil {
		h.logger.Warn("rejected payment webhook", "error", err)
		h.observe("rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.observe("malformed")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(r.Context(), w, &event)
	case "payment_intent.succeeded":
		// Informational; the checkout session event carries the grant.
		h.logger.Info("payment intent succeeded", "event_id", event.ID)
		h.observe("skipped")
		w.WriteHeader(http.StatusOK)
	default:
		h.observe("skipped")
		w.WriteHeader(http.StatusOK)
	}

	if h.metrics != nil {
		h.metrics.ObserveLatency("stripe", time.Since(start).Seconds())
	}
}

func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, w http.ResponseWriter, event *stripeEvent) {
	var session payments.CheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		h.observe("malformed")
		http.Error(w, "malformed session", http.StatusBadRequest)
		return
	}

	if session.Metadata["type"] == "phone_number_subscription" {
		h.handleNumberSubscription(ctx, w, &session)
		return
	}
	h.handleMinuteTopUp(ctx, w, &session)
}

// handleMinuteTopUp credits purchased minutes and restores service if the
// buyer was suspended.
func (h *StripeWebhookHandler) handleMinuteTopUp(ctx context.Context, w http.ResponseWriter, session *payments.CheckoutSession) {
	email := session.Email()
	if email == "" {
		h.logger.Error("checkout session without buyer email", "session_id", session.ID)
		h.observe("error")
		w.WriteHeader(http.StatusOK)
		return
	}

	client, err := h.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			// Acknowledge: retrying will never make this buyer exist.
			h.logger.Error("paying customer has no account", "email", email, "session_id", session.ID)
			h.observe("orphaned")
			w.WriteHeader(http.StatusOK)
			return
		}
		h.observe("error")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	items, err := h.billing.ListLineItems(ctx, session.ID)
	if err != nil {
		h.logger.Error("failed to list line items", "error", err, "session_id", session.ID)
		h.observe("error")
		http.Error(w, "line items unavailable", http.StatusInternalServerError)
		return
	}

	total := 0
	for _, item := range items {
		minutes, ok := h.packages.MinutesFor(item.Price.ID, item.Quantity)
		if !ok {
			h.logger.Warn("line item for unknown price", "price_id", item.Price.ID, "session_id", session.ID)
			continue
		}
		total += minutes
	}
	if total == 0 {
		h.logger.Warn("checkout session granted no minutes", "session_id", session.ID)
		h.observe("skipped")
		w.WriteHeader(http.StatusOK)
		return
	}

	newBalance, err := h.accounts.AddMinutes(ctx, client.ID, total)
	if err != nil {
		h.logger.Error("failed to credit minutes", "error", err, "client_id", client.ID)
		h.observe("error")
		http.Error(w, "credit failed", http.StatusInternalServerError)
		return
	}
	if session.CustomerID != "" {
		if err := h.accounts.SetStripeCustomerIDIfEmpty(ctx, client.ID, session.CustomerID); err != nil {
			h.logger.Warn("failed to link stripe customer", "error", err, "client_id", client.ID)
		}
	}
	h.logger.Info("minutes credited",
		"client_id", client.ID,
		"minutes", total,
		"new_balance", newBalance,
	)

	// Restore is best effort: the credit already landed, and a failed
	// switch must not make Stripe redeliver (and re-credit) the event.
	if client.PhoneStatus == clients.PhoneStatusInactive && h.routing != nil {
		if _, err := h.routing.Restore(ctx, client); err != nil {
			h.logger.Error("restore after top-up failed", "error", err, "client_id", client.ID)
		} else if h.metrics != nil {
			h.metrics.ObserveRestored()
		}
	}

	h.publishEvent("minutes.credited", map[string]any{
		"client_id":   client.ID.String(),
		"minutes":     total,
		"new_balance": newBalance,
	})
	h.observe("processed")
	w.WriteHeader(http.StatusOK)
}

// handleNumberSubscription provisions the carrier number the buyer paid for.
func (h *StripeWebhookHandler) handleNumberSubscription(ctx context.Context, w http.ResponseWriter, session *payments.CheckoutSession) {
	if h.carrier == nil || h.numbers == nil {
		h.logger.Error("number subscription received but provisioning is disabled", "session_id", session.ID)
		h.observe("error")
		w.WriteHeader(http.StatusOK)
		return
	}

	phoneNumber := session.Metadata["phone_number"]
	clientID, err := uuid.Parse(session.Metadata["user_id"])
	if err != nil || phoneNumber == "" {
		h.logger.Error("number subscription missing metadata", "session_id", session.ID)
		h.observe("malformed")
		w.WriteHeader(http.StatusOK)
		return
	}

	client, err := h.accounts.GetByID(ctx, clientID)
	if err != nil {
		h.logger.Error("number subscription for unknown client", "error", err, "client_id", clientID)
		h.observe("orphaned")
		w.WriteHeader(http.StatusOK)
		return
	}

	// A suspended buyer's new number goes straight to the fallback message
	// instead of the trunk.
	var purchased *twilio.IncomingNumber
	if client.OutOfMinutes() {
		purchased, err = h.carrier.PurchaseNumberWithVoiceURL(ctx, phoneNumber, h.cfg.FallbackVoiceURL)
	} else {
		purchased, err = h.carrier.PurchaseNumberOnTrunk(ctx, phoneNumber, h.cfg.TrunkSID)
	}
	if err != nil {
		h.logger.Error("number purchase failed", "error", err, "phone_number", phoneNumber)
		h.observe("error")
		http.Error(w, "purchase failed", http.StatusInternalServerError)
		return
	}

	subscriptionItemID := ""
	if session.Subscription != "" {
		if sub, err := h.billing.GetSubscription(ctx, session.Subscription); err != nil {
			h.logger.Warn("failed to fetch subscription", "error", err, "subscription_id", session.Subscription)
		} else {
			subscriptionItemID = sub.FirstItemID()
		}
	}

	if _, err := h.numbers.Insert(ctx, &numbers.PhoneNumber{
		ClientID:                 clientID,
		PhoneNumber:              purchased.PhoneNumber,
		TwilioSID:                purchased.SID,
		MonthlyCost:              h.cfg.MonthlyNumberCost,
		StripeSubscriptionItemID: subscriptionItemID,
	}); err != nil {
		// Undo the purchase so the buyer is not charged monthly for a
		// number we cannot track.
		h.logger.Error("failed to persist purchased number, releasing", "error", err, "sid", purchased.SID)
		if relErr := h.carrier.ReleaseNumber(ctx, purchased.SID); relErr != nil {
			h.logger.Error("rollback release failed", "error", relErr, "sid", purchased.SID)
		}
		h.observe("error")
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}

	if session.CustomerID != "" {
		if err := h.accounts.SetStripeCustomerIDIfEmpty(ctx, clientID, session.CustomerID); err != nil {
			h.logger.Warn("failed to link stripe customer", "error", err, "client_id", clientID)
		}
	}

	h.logger.Info("number provisioned",
		"client_id", clientID,
		"phone_number", purchased.PhoneNumber,
		"sid", purchased.SID,
	)
	h.publishEvent("number.provisioned", map[string]any{
		"client_id":    clientID.String(),
		"phone_number": purchased.PhoneNumber,
	})
	h.observe("processed")
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveReceived("stripe", outcome)
	}
}

func (h *StripeWebhookHandler) publishEvent(event string, payload any) {
	if h.events != nil {
		h.events.Publish(event, payload)
	}
}
