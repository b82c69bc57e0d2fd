package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultStripeBaseURL = "https://api.stripe.com/v1"

// signatureTolerance bounds how stale a webhook timestamp may be before the
// delivery is treated as a replay.
const signatureTolerance = 5 * time.Minute

// StripeConfig controls the billing client.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// StripeClient covers the handful of Stripe endpoints the platform needs.
// Requests are form-encoded with bearer auth, matching Stripe's API shape.
type StripeClient struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
	now           func() time.Time
}

// NewStripeClient creates a configured billing client.
func NewStripeClient(cfg StripeConfig) (*StripeClient, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("payments: stripe secret key is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultStripeBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// CheckoutSession is the subset of Stripe's session object we read.
type CheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	CustomerID    string            `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  string            `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	CustomerData  struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Email returns the buyer email regardless of which field Stripe filled.
func (s *CheckoutSession) Email() string {
	if s.CustomerData.Email != "" {
		return s.CustomerData.Email
	}
	return s.CustomerEmail
}

// LineItem is a purchased price with its quantity.
type LineItem struct {
	Quantity int `json:"quantity"`
	Price    struct {
		ID string `json:"id"`
	} `json:"price"`
}

// Subscription is the subset of Stripe's subscription object we read.
type Subscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// FirstItemID returns the id of the first subscription item, or "".
func (s *Subscription) FirstItemID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].ID
}

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	PriceID       string
	Quantity      int
	Mode          string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	Metadata      map[string]string
}

// CreateCheckoutSession starts a hosted checkout flow.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if params.PriceID == "" {
		return nil, errors.New("payments: price id required")
	}
	qty := params.Quantity
	if qty <= 0 {
		qty = 1
	}
	mode := params.Mode
	if mode == "" {
		mode = "payment"
	}
	form := url.Values{}
	form.Set("mode", mode)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", strconv.Itoa(qty))
	if params.SuccessURL != "" {
		form.Set("success_url", params.SuccessURL)
	}
	if params.CancelURL != "" {
		form.Set("cancel_url", params.CancelURL)
	}
	if params.CustomerEmail != "" {
		form.Set("customer_email", params.CustomerEmail)
	}
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/checkout/sessions", form)
	if err != nil {
		return nil, err
	}
	var session CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("payments: decode session: %w", err)
	}
	return &session, nil
}

// ListLineItems fetches the purchased line items for a checkout session.
func (c *StripeClient) ListLineItems(ctx context.Context, sessionID string) ([]LineItem, error) {
	if sessionID == "" {
		return nil, errors.New("payments: session id required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/checkout/sessions/"+url.PathEscape(sessionID)+"/line_items", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []LineItem `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("payments: decode line items: %w", err)
	}
	return parsed.Data, nil
}

// GetSubscription fetches a subscription with its items.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, errors.New("payments: subscription id required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("payments: decode subscription: %w", err)
	}
	return &sub, nil
}

// CancelSubscription cancels a subscription immediately. Used when a number
// is released and its monthly charge must stop.
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return errors.New("payments: subscription id required")
	}
	_, err := c.invoke(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil)
	return err
}

// VerifyWebhookSignature validates Stripe's Stripe-Signature header against
// the raw body. The header carries a unix timestamp (t=...) and one or more
// hex HMAC-SHA256 signatures (v1=...) computed over "<t>.<body>".
func (c *StripeClient) VerifyWebhookSignature(header string, payload []byte) error {
	if c.webhookSecret == "" {
		return errors.New("payments: webhook secret not configured")
	}
	if strings.TrimSpace(header) == "" {
		return errors.New("payments: missing signature header")
	}
	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("payments: bad signature timestamp: %w", err)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return errors.New("payments: malformed signature header")
	}
	age := c.now().Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return errors.New("payments: signature timestamp outside tolerance")
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return errors.New("payments: signature mismatch")
}

func (c *StripeClient) invoke(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: http error: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("payments: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeStripeError(resp.StatusCode, data)
	}
	return data, nil
}

// StripeError is a non-2xx response from the Stripe API.
type StripeError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StripeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payments: stripe %s (status=%d code=%s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("payments: stripe http status %d", e.StatusCode)
}

func decodeStripeError(status int, body []byte) error {
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)
	return &StripeError{StatusCode: status, Code: parsed.Error.Code, Message: parsed.Error.Message}
}
