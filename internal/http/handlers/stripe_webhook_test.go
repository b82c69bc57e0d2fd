package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dialdesk/dialdesk/internal/clients"
	"github.com/dialdesk/dialdesk/internal/numbers"
	"github.com/dialdesk/dialdesk/internal/payments"
	"github.com/dialdesk/dialdesk/internal/routing"
	"github.com/dialdesk/dialdesk/internal/twilio"
)

const testStripeSecret = "whsec_test"

type stripeSigVerifier struct{ secret string }

func (v stripeSigVerifier) VerifyWebhookSignature(header string, payload []byte) error {
	if header == "" {
		return fmt.Errorf("missing header")
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		if rest, ok := strings.CutPrefix(part, "t="); ok {
			ts = rest
		}
		if rest, ok := strings.CutPrefix(part, "v1="); ok {
			sig = rest
		}
	}
	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "%s.", ts)
	mac.Write(payload)
	if hex.EncodeToString(mac.Sum(nil)) != sig {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func signStripeHeader(secret string, payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type fakeBilling struct {
	items   []payments.LineItem
	itemErr error
	sub     *payments.Subscription
}

func (f *fakeBilling) ListLineItems(ctx context.Context, sessionID string) ([]payments.LineItem, error) {
	return f.items, f.itemErr
}

func (f *fakeBilling) GetSubscription(ctx context.Context, subscriptionID string) (*payments.Subscription, error) {
	if f.sub == nil {
		return nil, fmt.Errorf("no subscription")
	}
	return f.sub, nil
}

type fakeBalance struct {
	client       *clients.Client
	credited     []int
	customerIDs  []string
	getEmailErr  error
	addMinuteErr error
}

func (f *fakeBalance) GetByID(ctx context.Context, id uuid.UUID) (*clients.Client, error) {
	if f.client == nil {
		return nil, clients.ErrClientNotFound
	}
	return f.client, nil
}

func (f *fakeBalance) GetByEmail(ctx context.Context, email string) (*clients.Client, error) {
	if f.getEmailErr != nil {
		return nil, f.getEmailErr
	}
	return f.client, nil
}

func (f *fakeBalance) AddMinutes(ctx context.Context, clientID uuid.UUID, minutes int) (int, error) {
	if f.addMinuteErr != nil {
		return 0, f.addMinuteErr
	}
	f.credited = append(f.credited, minutes)
	f.client.MinutesIncluded += minutes
	return f.client.MinutesIncluded, nil
}

func (f *fakeBalance) SetStripeCustomerIDIfEmpty(ctx context.Context, clientID uuid.UUID, customerID string) error {
	f.customerIDs = append(f.customerIDs, customerID)
	return nil
}

type fakeRestorer struct {
	restored []uuid.UUID
	err      error
}

func (f *fakeRestorer) Restore(ctx context.Context, client *clients.Client) (*routing.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.restored = append(f.restored, client.ID)
	return &routing.Result{Switched: 1}, nil
}

type fakeProvisioner struct {
	purchasedTrunk []string
	purchasedVoice []string
	released       []string
}

func (f *fakeProvisioner) PurchaseNumberOnTrunk(ctx context.Context, phoneNumber, trunkSID string) (*twilio.IncomingNumber, error) {
	f.purchasedTrunk = append(f.purchasedTrunk, phoneNumber)
	return &twilio.IncomingNumber{SID: "PN_new", PhoneNumber: phoneNumber}, nil
}

func (f *fakeProvisioner) PurchaseNumberWithVoiceURL(ctx context.Context, phoneNumber, voiceURL string) (*twilio.IncomingNumber, error) {
	f.purchasedVoice = append(f.purchasedVoice, phoneNumber)
	return &twilio.IncomingNumber{SID: "PN_new", PhoneNumber: phoneNumber}, nil
}

func (f *fakeProvisioner) ReleaseNumber(ctx context.Context, numberSID string) error {
	f.released = append(f.released, numberSID)
	return nil
}

type fakeNumberInserter struct {
	inserted []*numbers.PhoneNumber
	err      error
}

func (f *fakeNumberInserter) Insert(ctx context.Context, num *numbers.PhoneNumber) (*numbers.PhoneNumber, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inserted = append(f.inserted, num)
	return num, nil
}

func stripeTestHandler(balance *fakeBalance, billing *fakeBilling, restorer *fakeRestorer, carrier *fakeProvisioner, inserter *fakeNumberInserter) *StripeWebhookHandler {
	packages := payments.MinutePackages{"price_small": 500, "price_big": 1200}
	return NewStripeWebhookHandler(
		stripeSigVerifier{testStripeSecret},
		billing,
		packages,
		balance,
		restorer,
		carrier,
		inserter,
		nil, nil, nil,
		StripeWebhookConfig{TrunkSID: "TK1", FallbackVoiceURL: "https://example.com/oom", MonthlyNumberCost: 1.15},
	)
}

func signedStripeRequest(t *testing.T, event any) *http.Request {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signStripeHeader(testStripeSecret, body))
	return req
}

func checkoutCompletedEvent(sessionObject map[string]any) map[string]any {
	return map[string]any{
		"id":   "evt_1",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": sessionObject},
	}
}

func TestTopUpCreditsMinutesAndRestores(t *testing.T) {
	clientID := uuid.New()
	balance := &fakeBalance{client: &clients.Client{
		ID:          clientID,
		Email:       "owner@example.com",
		PhoneStatus: clients.PhoneStatusInactive,
	}}
	billing := &fakeBilling{items: []payments.LineItem{
		lineItem("price_small", 1),
		lineItem("price_big", 2),
	}}
	restorer := &fakeRestorer{}
	h := stripeTestHandler(balance, billing, restorer, &fakeProvisioner{}, &fakeNumberInserter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id":       "cs_1",
		"customer": "cus_1",
		"customer_details": map[string]any{
			"email": "owner@example.com",
		},
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(balance.credited) != 1 || balance.credited[0] != 2900 {
		t.Fatalf("expected single credit of 2900 minutes, got %+v", balance.credited)
	}
	if len(restorer.restored) != 1 || restorer.restored[0] != clientID {
		t.Fatalf("suspended buyer not restored: %+v", restorer.restored)
	}
	if len(balance.customerIDs) != 1 || balance.customerIDs[0] != "cus_1" {
		t.Fatalf("stripe customer not linked: %+v", balance.customerIDs)
	}
}

func lineItem(priceID string, qty int) payments.LineItem {
	var item payments.LineItem
	item.Quantity = qty
	item.Price.ID = priceID
	return item
}

func TestTopUpSkipsUnknownPrices(t *testing.T) {
	balance := &fakeBalance{client: &clients.Client{ID: uuid.New(), PhoneStatus: clients.PhoneStatusActive}}
	billing := &fakeBilling{items: []payments.LineItem{
		lineItem("price_unknown", 1),
		lineItem("price_small", 1),
	}}
	h := stripeTestHandler(balance, billing, &fakeRestorer{}, &fakeProvisioner{}, &fakeNumberInserter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id":             "cs_1",
		"customer_email": "owner@example.com",
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(balance.credited) != 1 || balance.credited[0] != 500 {
		t.Fatalf("expected only known price credited, got %+v", balance.credited)
	}
}

func TestTopUpActiveClientDoesNotRestore(t *testing.T) {
	balance := &fakeBalance{client: &clients.Client{ID: uuid.New(), PhoneStatus: clients.PhoneStatusActive}}
	billing := &fakeBilling{items: []payments.LineItem{lineItem("price_small", 1)}}
	restorer := &fakeRestorer{}
	h := stripeTestHandler(balance, billing, restorer, &fakeProvisioner{}, &fakeNumberInserter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id":             "cs_1",
		"customer_email": "owner@example.com",
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(restorer.restored) != 0 {
		t.Fatal("active client should not be restored")
	}
}

func TestBadStripeSignatureRejected(t *testing.T) {
	h := stripeTestHandler(&fakeBalance{client: &clients.Client{}}, &fakeBilling{}, &fakeRestorer{}, &fakeProvisioner{}, &fakeNumberInserter{})

	body, _ := json.Marshal(checkoutCompletedEvent(map[string]any{"id": "cs_1"}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMissingStripeSignatureHeader(t *testing.T) {
	h := stripeTestHandler(&fakeBalance{client: &clients.Client{}}, &fakeBilling{}, &fakeRestorer{}, &fakeProvisioner{}, &fakeNumberInserter{})

	body, _ := json.Marshal(checkoutCompletedEvent(map[string]any{"id": "cs_1"}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestNumberSubscriptionProvisionsAndLinks(t *testing.T) {
	clientID := uuid.New()
	balance := &fakeBalance{client: &clients.Client{ID: clientID, MinutesIncluded: 100}}
	billing := &fakeBilling{sub: subWithItem("si_1")}
	carrier := &fakeProvisioner{}
	inserter := &fakeNumberInserter{}
	h := stripeTestHandler(balance, billing, &fakeRestorer{}, carrier, inserter)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata": map[string]string{
			"type":         "phone_number_subscription",
			"user_id":      clientID.String(),
			"phone_number": "+14155550100",
		},
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(carrier.purchasedTrunk) != 1 || carrier.purchasedTrunk[0] != "+14155550100" {
		t.Fatalf("number not purchased on trunk: %+v", carrier.purchasedTrunk)
	}
	if len(inserter.inserted) != 1 {
		t.Fatalf("number not persisted: %+v", inserter.inserted)
	}
	num := inserter.inserted[0]
	if num.StripeSubscriptionItemID != "si_1" {
		t.Fatalf("subscription item not linked: %+v", num)
	}
	if num.TwilioSID != "PN_new" || num.ClientID != clientID {
		t.Fatalf("unexpected number row: %+v", num)
	}
}

func subWithItem(itemID string) *payments.Subscription {
	sub := &payments.Subscription{ID: "sub_1", Status: "active"}
	sub.Items.Data = []struct {
		ID    string `json:"id"`
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	}{{ID: itemID}}
	return sub
}

func TestNumberSubscriptionForSuspendedBuyerUsesFallback(t *testing.T) {
	clientID := uuid.New()
	balance := &fakeBalance{client: &clients.Client{ID: clientID, MinutesIncluded: 1, MinutesUsed: 5}}
	carrier := &fakeProvisioner{}
	h := stripeTestHandler(balance, &fakeBilling{}, &fakeRestorer{}, carrier, &fakeNumberInserter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id": "cs_1",
		"metadata": map[string]string{
			"type":         "phone_number_subscription",
			"user_id":      clientID.String(),
			"phone_number": "+14155550100",
		},
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(carrier.purchasedVoice) != 1 {
		t.Fatalf("suspended buyer's number should route to fallback: %+v", carrier)
	}
	if len(carrier.purchasedTrunk) != 0 {
		t.Fatal("suspended buyer's number must not join the trunk")
	}
}

func TestNumberSubscriptionRollsBackOnPersistFailure(t *testing.T) {
	clientID := uuid.New()
	balance := &fakeBalance{client: &clients.Client{ID: clientID, MinutesIncluded: 100}}
	carrier := &fakeProvisioner{}
	inserter := &fakeNumberInserter{err: fmt.Errorf("db down")}
	h := stripeTestHandler(balance, &fakeBilling{}, &fakeRestorer{}, carrier, inserter)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id": "cs_1",
		"metadata": map[string]string{
			"type":         "phone_number_subscription",
			"user_id":      clientID.String(),
			"phone_number": "+14155550100",
		},
	})))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if len(carrier.released) != 1 || carrier.released[0] != "PN_new" {
		t.Fatalf("purchase not rolled back: %+v", carrier.released)
	}
}

func TestUnknownBuyerAcknowledged(t *testing.T) {
	balance := &fakeBalance{getEmailErr: clients.ErrClientNotFound}
	h := stripeTestHandler(balance, &fakeBilling{}, &fakeRestorer{}, &fakeProvisioner{}, &fakeNumberInserter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedStripeRequest(t, checkoutCompletedEvent(map[string]any{
		"id":             "cs_1",
		"customer_email": "stranger@example.com",
	})))

	if rr.Code != http.StatusOK {
		t.Fatalf("unknown buyer must be acknowledged, got %d", rr.Code)
	}
	if len(balance.credited) != 0 {
		t.Fatal("unknown buyer must not be credited")
	}
}
