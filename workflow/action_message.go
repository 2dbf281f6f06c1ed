package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// SendMessageAction delivers a rendered message through the messaging service.
type SendMessageAction struct {
	Messenger crm.Messenger
}

// Execute implements Action.
func (a *SendMessageAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.SendMessageConfig](sc.Input)
	if err != nil {
		return hardFailure("decode send_message config: %v", err)
	}
	if a.Messenger == nil {
		return hardFailure("no messaging service configured")
	}
	if sc.Contact.OptedOut {
		sc.Logger.Info("contact opted out, message skipped", zap.String("channel", cfg.Channel))
		return Outcome{
			Status: OutcomeSkipped,
			ContextDelta: map[string]interface{}{
				"channel":   cfg.Channel,
				"skipped":   "opted_out",
				"replied":   false,
				"delivered": false,
			},
		}
	}

	recipient := cfg.To
	if recipient == "" {
		recipient = defaultRecipient(sc.Contact, cfg.Channel)
	}
	if recipient == "" {
		return hardFailure("contact %s has no %s recipient", sc.Contact.ID, cfg.Channel)
	}

	res, err := a.Messenger.Send(ctx, crm.OutboundMessage{
		Channel:        cfg.Channel,
		Recipient:      recipient,
		Subject:        cfg.Subject,
		Body:           cfg.Body,
		IdempotencyKey: sc.IdempotencyKey,
	})
	if err != nil {
		return retryable(fmt.Errorf("send %s: %w", cfg.Channel, err))
	}
	if !res.Accepted {
		return hardFailure("message rejected: %s", res.Reason)
	}
	return completed(map[string]interface{}{
		"message_id": res.MessageID,
		"channel":    cfg.Channel,
		"to":         recipient,
		"sent_at":    sc.Now.UnixMilli(),
		"replied":    false,
		"delivered":  false,
	}, "")
}

func defaultRecipient(c types.Contact, channel string) string {
	if channel == "email" {
		return c.Email
	}
	return c.Phone
}
