package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPMessenger posts messages to the messaging service at Endpoint+"/messages".
type HTTPMessenger struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPMessenger creates a messenger with a bounded per-request timeout.
func NewHTTPMessenger(endpoint, apiKey string, timeout time.Duration) *HTTPMessenger {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPMessenger{
		Endpoint: strings.TrimRight(endpoint, "/"),
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send delivers msg. 4xx responses are rejections; 5xx responses and
// transport failures are errors the caller may retry.
func (m *HTTPMessenger) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint+"/messages", bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}

	resp, err := m.Client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("send %s message: %w", msg.Channel, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("read messaging response: %w", err)
	}

	var parsed sendResponse
	_ = json.Unmarshal(body, &parsed)
	switch {
	case resp.StatusCode >= 500:
		return SendResult{}, fmt.Errorf("messaging service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 400:
		reason := parsed.Error
		if reason == "" {
			reason = fmt.Sprintf("rejected with status %d", resp.StatusCode)
		}
		return SendResult{Accepted: false, Reason: reason}, nil
	}
	return SendResult{Accepted: true, MessageID: parsed.MessageID}, nil
}
