package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Config configures the HTTP gateway client
type Config struct {
	BaseURL string        `toml:"base_url"`
	Token   string        `toml:"token"`
	Timeout time.Duration `toml:"timeout"`
}

// HTTPTransport talks to the messaging gateway service over its REST API
type HTTPTransport struct {
	config Config
	client *http.Client
}

// sendResponse is the gateway's wire-level reply
type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewHTTP creates a gateway client with the configured timeout
func NewHTTP(config Config) *HTTPTransport {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &HTTPTransport{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name identifies this transport
func (t *HTTPTransport) Name() string {
	return "http"
}

// Send posts one message to the gateway session endpoint
func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/sessions/%s/messages",
		t.config.BaseURL, url.PathEscape(req.SessionID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.Token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	var body sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !body.Success {
		reason := body.Error
		if reason == "" {
			reason = fmt.Sprintf("gateway returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrSendFailed, reason)
	}

	return &SendResult{MessageID: body.MessageID}, nil
}
