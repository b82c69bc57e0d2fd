package retell

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.retellai.com"
	defaultUserAgent = "dialdesk-voice-acl/0.1"
)

// Config controls how the Retell client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// Client wraps the Retell REST endpoints used by the platform. The API key
// doubles as the webhook signing secret.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("retell: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
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
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// CreateLLM provisions a conversation config for a new agent.
func (c *Client) CreateLLM(ctx context.Context, req CreateLLMRequest) (*LLM, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retell: marshal llm payload: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/create-retell-llm", body)
	if err != nil {
		return nil, err
	}
	return decode[LLM](data)
}

// UpdateLLM patches an existing conversation config.
func (c *Client) UpdateLLM(ctx context.Context, llmID string, req UpdateLLMRequest) (*LLM, error) {
	if strings.TrimSpace(llmID) == "" {
		return nil, errors.New("retell: llm id required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retell: marshal llm payload: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPatch, "/update-retell-llm/"+url.PathEscape(llmID), body)
	if err != nil {
		return nil, err
	}
	return decode[LLM](data)
}

// CreateAgent provisions a voice agent bound to an LLM.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retell: marshal agent payload: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/create-agent", body)
	if err != nil {
		return nil, err
	}
	return decode[Agent](data)
}

// UpdateAgent patches an existing voice agent.
func (c *Client) UpdateAgent(ctx context.Context, agentID string, req UpdateAgentRequest) (*Agent, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("retell: agent id required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retell: marshal agent payload: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPatch, "/update-agent/"+url.PathEscape(agentID), body)
	if err != nil {
		return nil, err
	}
	return decode[Agent](data)
}

// DeleteAgent removes an agent from the platform.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("retell: agent id required")
	}
	_, err := c.invoke(ctx, http.MethodDelete, "/delete-agent/"+url.PathEscape(agentID), nil)
	return err
}

// PublishAgent publishes the agent's current draft version.
func (c *Client) PublishAgent(ctx context.Context, agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("retell: agent id required")
	}
	_, err := c.invoke(ctx, http.MethodPost, "/publish-agent/"+url.PathEscape(agentID), nil)
	return err
}

// GetPhoneNumber fetches the platform's routing view of a number.
func (c *Client) GetPhoneNumber(ctx context.Context, number string) (*PhoneNumber, error) {
	if strings.TrimSpace(number) == "" {
		return nil, errors.New("retell: phone number required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/get-phone-number/"+url.PathEscape(number), nil)
	if err != nil {
		return nil, err
	}
	return decode[PhoneNumber](data)
}

// UpdatePhoneNumber repoints a number's inbound/outbound agent assignment.
func (c *Client) UpdatePhoneNumber(ctx context.Context, number string, req UpdatePhoneNumberRequest) (*PhoneNumber, error) {
	if strings.TrimSpace(number) == "" {
		return nil, errors.New("retell: phone number required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retell: marshal phone payload: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPatch, "/update-phone-number/"+url.PathEscape(number), body)
	if err != nil {
		return nil, err
	}
	return decode[PhoneNumber](data)
}

// ImportPhoneNumber registers a carrier number with the platform, binding it
// to a SIP termination URI and an inbound agent.
func (c *Client) ImportPhoneNumber(ctx context.Context, req ImportPhoneNumberRequest) (*PhoneNumber, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retell: marshal import payload: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/import-phone-number", body)
	if err != nil {
		return nil, err
	}
	return decode[PhoneNumber](data)
}

// DeletePhoneNumber removes a number from the platform.
func (c *Client) DeletePhoneNumber(ctx context.Context, number string) error {
	if strings.TrimSpace(number) == "" {
		return errors.New("retell: phone number required")
	}
	_, err := c.invoke(ctx, http.MethodDelete, "/delete-phone-number/"+url.PathEscape(number), nil)
	return err
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature Retell sends with
// webhook deliveries. The signature is computed over the raw body bytes
// exactly as received and base64-encoded; verifying a reserialized body
// produces false mismatches, so callers must pass the unparsed payload.
func (c *Client) VerifyWebhookSignature(signature string, payload []byte) error {
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return errors.New("retell: missing signature header")
	}
	mac := hmac.New(sha256.New, []byte(c.apiKey))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.New("retell: signature mismatch")
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("retell: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("retell: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("retell: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
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
	return nil, errors.New("retell: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("retell retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

// APIError is a non-2xx response from the Retell API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.ErrorText
	}
	if msg != "" {
		return fmt.Sprintf("retell: %s (status=%d)", msg, e.StatusCode)
	}
	return fmt.Sprintf("retell: http status %d", e.StatusCode)
}

// IsNotFound reports whether err is a Retell 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func decodeAPIError(status int, body []byte) error {
	var parsed APIError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{StatusCode: status, Message: string(body)}
	}
	parsed.StatusCode = status
	return &parsed
}

func decode[T any](data []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("retell: decode response: %w", err)
	}
	return &out, nil
}
