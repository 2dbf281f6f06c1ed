package crm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxWebhookBody = 1 << 20

// HTTPWebhookClient performs http_call steps over net/http.
type HTTPWebhookClient struct {
	Client         *http.Client
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// NewHTTPWebhookClient creates a client whose per-call timeout defaults to
// defaultTimeout and never exceeds maxTimeout.
func NewHTTPWebhookClient(defaultTimeout, maxTimeout time.Duration) *HTTPWebhookClient {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	if maxTimeout < defaultTimeout {
		maxTimeout = defaultTimeout
	}
	return &HTTPWebhookClient{
		Client:         &http.Client{},
		DefaultTimeout: defaultTimeout,
		MaxTimeout:     maxTimeout,
	}
}

// Call performs the request and returns the status and at most 1 MiB of body.
// Non-2xx statuses are returned as responses, not errors.
func (c *HTTPWebhookClient) Call(ctx context.Context, r WebhookRequest) (WebhookResponse, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	timeout = min(timeout, c.MaxTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.IdempotencyKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("call %s %s: %w", method, r.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("read webhook response: %w", err)
	}
	return WebhookResponse{Status: resp.StatusCode, Body: data}, nil
}
