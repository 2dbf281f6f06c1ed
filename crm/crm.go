// Package crm holds the collaborators the engine calls out to: the messaging
// service, the contact store and outbound webhooks.
package crm

import (
	"context"
	"errors"
	"time"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrUnknownField    = errors.New("unknown contact field")
	// ErrInvalidRequest marks webhook requests that can never succeed as built.
	ErrInvalidRequest = errors.New("invalid webhook request")
)

// OutboundMessage is one message handed to the messaging service.
type OutboundMessage struct {
	Channel        string `json:"channel"`
	Recipient      string `json:"to"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"-"`
}

// SendResult reports whether the messaging service accepted a message.
// A rejection is final; transport problems are reported as errors instead.
type SendResult struct {
	Accepted  bool
	Reason    string
	MessageID string
}

// Messenger sends messages. Implementations must honor IdempotencyKey so a
// retried attempt never sends twice.
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// ContactStore reads and mutates CRM contacts.
type ContactStore interface {
	GetContact(ctx context.Context, id string) (types.Contact, error)
	AddTag(ctx context.Context, id, tag string) error
	RemoveTag(ctx context.Context, id, tag string) error
	SetField(ctx context.Context, id, field string, value interface{}) error
	SetCustomField(ctx context.Context, id, key string, value interface{}) error
}

// WebhookRequest is an outbound HTTP call made by an http_call step.
type WebhookRequest struct {
	URL            string
	Method         string
	Headers        map[string]string
	Body           string
	Timeout        time.Duration
	IdempotencyKey string
}

// WebhookResponse is the status and raw body of a completed call.
type WebhookResponse struct {
	Status int
	Body   []byte
}

// WebhookClient performs outbound HTTP calls.
type WebhookClient interface {
	Call(ctx context.Context, req WebhookRequest) (WebhookResponse, error)
}
