package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseMinutePackagesJSON(t *testing.T) {
	pkgs, err := ParseMinutePackages(`{"price_small":500,"price_big":1200}`, "", 0)
	if err != nil {
		t.Fatalf("ParseMinutePackages: %v", err)
	}
	if got, ok := pkgs.MinutesFor("price_big", 2); !ok || got != 2400 {
		t.Fatalf("expected 2400 minutes, got %d ok=%v", got, ok)
	}
	if _, ok := pkgs.MinutesFor("price_unknown", 1); ok {
		t.Fatal("unknown price should not grant minutes")
	}
}

func TestParseMinutePackagesFallback(t *testing.T) {
	pkgs, err := ParseMinutePackages("", "price_default", 100)
	if err != nil {
		t.Fatalf("ParseMinutePackages: %v", err)
	}
	if got, ok := pkgs.MinutesFor("price_default", 3); !ok || got != 300 {
		t.Fatalf("expected 300 minutes, got %d ok=%v", got, ok)
	}
}

func TestParseMinutePackagesRejectsBadValues(t *testing.T) {
	if _, err := ParseMinutePackages(`{"price_x":0}`, "", 0); err == nil {
		t.Fatal("zero-minute package accepted")
	}
	if _, err := ParseMinutePackages(`not json`, "", 0); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}

func signStripe(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhookSignature(t *testing.T) {
	client, err := NewStripeClient(StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("NewStripeClient: %v", err)
	}
	payload := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Now()
	client.now = func() time.Time { return now }

	if err := client.VerifyWebhookSignature(signStripe("whsec_test", now.Unix(), payload), payload); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := client.VerifyWebhookSignature(signStripe("whsec_wrong", now.Unix(), payload), payload); err == nil {
		t.Fatal("wrong secret accepted")
	}
	if err := client.VerifyWebhookSignature(signStripe("whsec_test", now.Unix(), payload), []byte(`{}`)); err == nil {
		t.Fatal("tampered body accepted")
	}
	stale := now.Add(-10 * time.Minute).Unix()
	if err := client.VerifyWebhookSignature(signStripe("whsec_test", stale, payload), payload); err == nil {
		t.Fatal("stale timestamp accepted")
	}
	if err := client.VerifyWebhookSignature("", payload); err == nil {
		t.Fatal("missing header accepted")
	}
}

func TestCreateCheckoutSessionFormEncoding(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostFormValue(k)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/cs_1"})
	}))
	defer srv.Close()

	client, err := NewStripeClient(StripeConfig{SecretKey: "sk_test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewStripeClient: %v", err)
	}
	session, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		PriceID:       "price_phone",
		Mode:          "subscription",
		CustomerEmail: "owner@example.com",
		Metadata: map[string]string{
			"type":         "phone_number_subscription",
			"phone_number": "+14155550100",
		},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.URL == "" {
		t.Fatal("expected checkout url")
	}
	if gotForm["mode"] != "subscription" {
		t.Fatalf("mode not sent: %v", gotForm)
	}
	if gotForm["line_items[0][price]"] != "price_phone" || gotForm["line_items[0][quantity]"] != "1" {
		t.Fatalf("line items not sent: %v", gotForm)
	}
	if gotForm["metadata[type]"] != "phone_number_subscription" {
		t.Fatalf("metadata not sent: %v", gotForm)
	}
}

func TestGetSubscriptionFirstItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions/sub_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"sub_1","status":"active","items":{"data":[{"id":"si_1","price":{"id":"price_phone"}}]}}`))
	}))
	defer srv.Close()

	client, err := NewStripeClient(StripeConfig{SecretKey: "sk_test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewStripeClient: %v", err)
	}
	sub, err := client.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.FirstItemID() != "si_1" {
		t.Fatalf("unexpected item id %q", sub.FirstItemID())
	}
}

func TestStripeErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer srv.Close()

	client, err := NewStripeClient(StripeConfig{SecretKey: "sk_test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewStripeClient: %v", err)
	}
	_, err = client.ListLineItems(context.Background(), "cs_1")
	if err == nil {
		t.Fatal("expected error")
	}
	var stripeErr *StripeError
	if !errors.As(err, &stripeErr) || stripeErr.Code != "card_declined" {
		t.Fatalf("error not decoded: %v", err)
	}
}
