package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIBaseURL      = "https://api.twilio.com/2010-04-01"
	defaultTrunkingBaseURL = "https://trunking.twilio.com/v1"
)

// Config controls how the carrier client behaves.
type Config struct {
	AccountSID      string
	AuthToken       string
	APIBaseURL      string
	TrunkingBaseURL string
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client talks to the Twilio REST and Trunking APIs. All writes are
// form-encoded with HTTP basic auth, which is what Twilio expects.
type Client struct {
	accountSID      string
	authToken       string
	apiBaseURL      string
	trunkingBaseURL string
	httpClient      *http.Client
	maxRetries      int
	backoff         time.Duration
	logger          *slog.Logger
}

// New creates a configured carrier client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("twilio: account sid is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	apiBase := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = defaultAPIBaseURL
	}
	trunkBase := strings.TrimRight(cfg.TrunkingBaseURL, "/")
	if trunkBase == "" {
		trunkBase = defaultTrunkingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		accountSID:      cfg.AccountSID,
		authToken:       cfg.AuthToken,
		apiBaseURL:      apiBase,
		trunkingBaseURL: trunkBase,
		httpClient:      httpClient,
		maxRetries:      maxRetries,
		backoff:         backoff,
		logger:          logger,
	}, nil
}

// AvailableNumber is a purchasable number from the carrier inventory.
type AvailableNumber struct {
	PhoneNumber  string `json:"phone_number"`
	FriendlyName string `json:"friendly_name"`
	Locality     string `json:"locality"`
	Region       string `json:"region"`
}

// IncomingNumber is a number owned by the account.
type IncomingNumber struct {
	SID         string `json:"sid"`
	PhoneNumber string `json:"phone_number"`
	VoiceURL    string `json:"voice_url"`
}

// SearchAvailableNumbers lists local numbers available for purchase in the
// given country, optionally filtered by area code.
func (c *Client) SearchAvailableNumbers(ctx context.Context, country, areaCode string, limit int) ([]AvailableNumber, error) {
	if country == "" {
		country = "US"
	}
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("PageSize", strconv.Itoa(limit))
	if areaCode != "" {
		q.Set("AreaCode", areaCode)
	}
	path := fmt.Sprintf("%s/Accounts/%s/AvailablePhoneNumbers/%s/Local.json?%s",
		c.apiBaseURL, c.accountSID, url.PathEscape(country), q.Encode())

	data, err := c.invoke(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		AvailablePhoneNumbers []AvailableNumber `json:"available_phone_numbers"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("twilio: decode search response: %w", err)
	}
	return parsed.AvailablePhoneNumbers, nil
}

// PurchaseNumberOnTrunk buys a number and attaches it to the SIP trunk in a
// single provisioning call.
func (c *Client) PurchaseNumberOnTrunk(ctx context.Context, phoneNumber, trunkSID string) (*IncomingNumber, error) {
	if phoneNumber == "" {
		return nil, errors.New("twilio: phone number required")
	}
	if trunkSID == "" {
		return nil, errors.New("twilio: trunk sid required")
	}
	form := url.Values{}
	form.Set("PhoneNumber", phoneNumber)
	form.Set("TrunkSid", trunkSID)
	return c.purchase(ctx, form)
}

// PurchaseNumberWithVoiceURL buys a number that routes inbound calls to a
// webhook instead of a trunk.
func (c *Client) PurchaseNumberWithVoiceURL(ctx context.Context, phoneNumber, voiceURL string) (*IncomingNumber, error) {
	if phoneNumber == "" {
		return nil, errors.New("twilio: phone number required")
	}
	form := url.Values{}
	form.Set("PhoneNumber", phoneNumber)
	if voiceURL != "" {
		form.Set("VoiceUrl", voiceURL)
		form.Set("VoiceMethod", http.MethodPost)
	}
	return c.purchase(ctx, form)
}

func (c *Client) purchase(ctx context.Context, form url.Values) (*IncomingNumber, error) {
	path := fmt.Sprintf("%s/Accounts/%s/IncomingPhoneNumbers.json", c.apiBaseURL, c.accountSID)
	data, err := c.invoke(ctx, http.MethodPost, path, form)
	if err != nil {
		return nil, err
	}
	var num IncomingNumber
	if err := json.Unmarshal(data, &num); err != nil {
		return nil, fmt.Errorf("twilio: decode purchase response: %w", err)
	}
	return &num, nil
}

// ReleaseNumber returns a number to the carrier, ending its monthly charge.
func (c *Client) ReleaseNumber(ctx context.Context, numberSID string) error {
	if numberSID == "" {
		return errors.New("twilio: number sid required")
	}
	path := fmt.Sprintf("%s/Accounts/%s/IncomingPhoneNumbers/%s.json",
		c.apiBaseURL, c.accountSID, url.PathEscape(numberSID))
	_, err := c.invoke(ctx, http.MethodDelete, path, nil)
	return err
}

// SetVoiceURL points a number's inbound call handling at a webhook. Used to
// play the out-of-minutes message while a client is suspended.
func (c *Client) SetVoiceURL(ctx context.Context, numberSID, voiceURL string) error {
	if numberSID == "" {
		return errors.New("twilio: number sid required")
	}
	form := url.Values{}
	form.Set("VoiceUrl", voiceURL)
	form.Set("VoiceMethod", http.MethodPost)
	path := fmt.Sprintf("%s/Accounts/%s/IncomingPhoneNumbers/%s.json",
		c.apiBaseURL, c.accountSID, url.PathEscape(numberSID))
	_, err := c.invoke(ctx, http.MethodPost, path, form)
	return err
}

// AddToTrunk attaches a number to the SIP trunk so inbound calls flow to the
// voice-agent platform.
func (c *Client) AddToTrunk(ctx context.Context, trunkSID, numberSID string) error {
	if trunkSID == "" || numberSID == "" {
		return errors.New("twilio: trunk sid and number sid required")
	}
	form := url.Values{}
	form.Set("PhoneNumberSid", numberSID)
	path := fmt.Sprintf("%s/Trunks/%s/PhoneNumbers", c.trunkingBaseURL, url.PathEscape(trunkSID))
	_, err := c.invoke(ctx, http.MethodPost, path, form)
	return err
}

// RemoveFromTrunk detaches a number from the SIP trunk.
func (c *Client) RemoveFromTrunk(ctx context.Context, trunkSID, numberSID string) error {
	if trunkSID == "" || numberSID == "" {
		return errors.New("twilio: trunk sid and number sid required")
	}
	path := fmt.Sprintf("%s/Trunks/%s/PhoneNumbers/%s",
		c.trunkingBaseURL, url.PathEscape(trunkSID), url.PathEscape(numberSID))
	_, err := c.invoke(ctx, http.MethodDelete, path, nil)
	return err
}

func (c *Client) invoke(ctx context.Context, method, fullURL string, form url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if form != nil {
			bodyReader = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("twilio: build request: %w", err)
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryableNetErr(err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("twilio: http error: %w", err)
			}
			lastErr = err
			c.logRetry(fullURL, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("twilio: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && retryableStatus(resp.StatusCode) {
			lastErr = apiErr
			c.logRetry(fullURL, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("twilio: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(target string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("twilio retry",
		"target", target,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func retryableNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is a non-2xx response from a Twilio endpoint.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twilio: %s (status=%d code=%d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("twilio: http status %d", e.StatusCode)
}

// IsNotFound reports whether err is a Twilio 404. Detaching a number that is
// already off the trunk lands here and is safe to ignore.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a Twilio 409. Re-attaching a number that
// is already on the trunk lands here and is safe to ignore.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func decodeAPIError(status int, body []byte) error {
	parsed := APIError{StatusCode: status}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Message == "" {
		if parsed.Message == "" {
			parsed.Message = strings.TrimSpace(string(body))
		}
	}
	parsed.StatusCode = status
	return &parsed
}
