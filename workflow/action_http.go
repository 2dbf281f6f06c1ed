package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// HTTPCallAction calls an outbound webhook.
type HTTPCallAction struct {
	Client crm.WebhookClient
}

// Execute implements Action.
func (a *HTTPCallAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.HTTPCallConfig](sc.Input)
	if err != nil {
		return hardFailure("decode http_call config: %v", err)
	}
	if a.Client == nil {
		return hardFailure("no webhook client configured")
	}

	resp, err := a.Client.Call(ctx, crm.WebhookRequest{
		URL:            cfg.URL,
		Method:         cfg.Method,
		Headers:        cfg.Headers,
		Body:           cfg.Body,
		Timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		IdempotencyKey: sc.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, crm.ErrInvalidRequest) {
			return Outcome{Status: OutcomeFailed, Err: err}
		}
		return retryable(err)
	}

	delta := map[string]interface{}{
		"status": resp.Status,
		"body":   decodeBody(resp.Body),
	}
	switch {
	case resp.Status >= http.StatusInternalServerError:
		return Outcome{Status: OutcomeFailed, ContextDelta: delta, Retryable: true,
			Err: fmt.Errorf("webhook %s returned %d", cfg.URL, resp.Status)}
	case resp.Status >= http.StatusBadRequest:
		return Outcome{Status: OutcomeFailed, ContextDelta: delta,
			Err: fmt.Errorf("webhook %s returned %d", cfg.URL, resp.Status)}
	}
	return completed(delta, "")
}

// decodeBody returns the JSON value of body, or body as text.
func decodeBody(body []byte) interface{} {
	if len(body) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}
