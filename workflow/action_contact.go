package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// MutateContactAction applies a tag or field change to the enrolled contact.
type MutateContactAction struct {
	Contacts crm.ContactStore
}

// Execute implements Action.
func (a *MutateContactAction) Execute(ctx context.Context, sc *StepContext) Outcome {
	cfg, err := types.DecodeConfig[types.MutateContactConfig](sc.Input)
	if err != nil {
		return hardFailure("decode mutate_contact config: %v", err)
	}
	id := sc.Enrollment.ContactID
	delta := map[string]interface{}{"operation": cfg.Operation}

	switch cfg.Operation {
	case types.MutateAddTag:
		err = a.Contacts.AddTag(ctx, id, cfg.Tag)
		delta["tag"] = cfg.Tag
	case types.MutateRemoveTag:
		err = a.Contacts.RemoveTag(ctx, id, cfg.Tag)
		delta["tag"] = cfg.Tag
	case types.MutateSetField:
		err = a.Contacts.SetField(ctx, id, cfg.Field, cfg.Value)
		delta["field"], delta["value"] = cfg.Field, cfg.Value
	case types.MutateSetCustomField:
		err = a.Contacts.SetCustomField(ctx, id, cfg.Field, cfg.Value)
		delta["field"], delta["value"] = cfg.Field, cfg.Value
	default:
		return hardFailure("unknown mutate_contact operation %q", cfg.Operation)
	}

	switch {
	case err == nil:
		return completed(delta, "")
	case errors.Is(err, crm.ErrContactNotFound), errors.Is(err, crm.ErrUnknownField):
		return Outcome{Status: OutcomeFailed, Err: err}
	default:
		return retryable(fmt.Errorf("%s: %w", cfg.Operation, err))
	}
}
