package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// MessageEvent reports the delivery of, or a reply to, a message sent by a
// send_message step.
type MessageEvent struct {
	// Type is events.MessageDelivered or types.TriggerMessageReplied.
	Type      string
	ContactID string
	// MessageID identifies the sent message. When empty the most recent
	// message of each open enrollment of the contact is used.
	MessageID string
	// EnrollmentID and StepID address the sending step directly.
	EnrollmentID uint64
	StepID       string
	Body         string
	OccurredAt   time.Time
}

// optOutKeywords end all messaging to a contact when a reply consists of or
// contains one of them as a word.
var optOutKeywords = map[string]bool{
	"STOP": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true,
}

const reasonOptedOut = "opted out"

// IsOptOut reports whether a reply body carries an opt-out keyword.
func IsOptOut(body string) bool {
	words := strings.FieldsFunc(body, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if optOutKeywords[strings.ToUpper(w)] {
			return true
		}
	}
	return false
}

// RecordMessageEvent stores delivery or reply metadata in the context of the
// step that sent the message, where conditions read it as
// steps.<step>.replied or steps.<step>.delivered. It returns the number of
// enrollments updated. A reply carrying an opt-out keyword also marks the
// contact opted out and exits all of its open enrollments.
func (e *Engine) RecordMessageEvent(ctx context.Context, ev MessageEvent) (int, error) {
	if ev.Type != events.MessageDelivered && ev.Type != types.TriggerMessageReplied {
		return 0, fmt.Errorf("unsupported message event %q", ev.Type)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.clock()
	}

	var targets []types.Enrollment
	if ev.EnrollmentID != 0 {
		enr, err := e.store.GetEnrollment(ctx, ev.EnrollmentID)
		if err != nil {
			return 0, err
		}
		if ev.ContactID == "" {
			ev.ContactID = enr.ContactID
		}
		if enr.Status.Open() {
			targets = append(targets, enr)
		}
	} else {
		if ev.ContactID == "" {
			return 0, errors.New("message event needs an enrollment or a contact")
		}
		open, err := e.store.ListEnrollments(ctx, storage.EnrollmentFilter{
			ContactID: ev.ContactID,
			Statuses:  []types.EnrollmentStatus{types.EnrollmentActive, types.EnrollmentWaiting},
		})
		if err != nil {
			return 0, err
		}
		targets = open
	}

	updated := 0
	var errs []error
	for _, enr := range targets {
		ok, err := e.trackMessage(ctx, enr.ID, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("enrollment %d: %w", enr.ID, err))
			continue
		}
		if ok {
			updated++
		}
	}
	if ev.Type == types.TriggerMessageReplied && IsOptOut(ev.Body) {
		if err := e.optOut(ctx, ev.ContactID); err != nil {
			errs = append(errs, err)
		}
	}
	return updated, errors.Join(errs...)
}

func (e *Engine) optOut(ctx context.Context, contactID string) error {
	err := e.contacts.SetField(ctx, contactID, "opted_out", true)
	if err != nil && !errors.Is(err, crm.ErrContactNotFound) {
		return fmt.Errorf("opt out contact %s: %w", contactID, err)
	}
	n, err := e.ExitContact(ctx, contactID, reasonOptedOut)
	e.logger.Info("contact opted out", zap.String("contact_id", contactID), zap.Int("exited", n))
	return err
}

// trackMessage updates one enrollment under a short-lived lease. A running
// worker holds the lease only briefly, so conflicts are retried.
func (e *Engine) trackMessage(ctx context.Context, id uint64, ev MessageEvent) (bool, error) {
	owner := e.sched.LeaseToken()
	var claimed types.Enrollment
	claim := func() error {
		now := e.clock()
		var err error
		claimed, err = e.store.ClaimEnrollment(ctx, id, owner, now, now.Add(e.sched.LeaseDuration()))
		if err != nil && !errors.Is(err, storage.ErrLeaseHeld) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 10), ctx)
	if err := backoff.Retry(claim, b); err != nil {
		return false, err
	}

	r := &run{enr: claimed, saved: claimed, owner: owner}
	stepID := ev.StepID
	if stepID == "" {
		stepID = findMessageStep(claimed.Context, ev.MessageID)
	}
	if !claimed.Status.Open() || stepID == "" || claimed.Context[stepID] == nil {
		return false, e.release(ctx, r)
	}

	delta := map[string]interface{}{}
	switch ev.Type {
	case events.MessageDelivered:
		delta["delivered"] = true
		delta["delivered_at"] = ev.OccurredAt.UnixMilli()
	default:
		delta["replied"] = true
		delta["replied_at"] = ev.OccurredAt.UnixMilli()
		delta["reply_body"] = ev.Body
	}
	mergeDelta(r.enr.Context, stepID, delta)
	r.enr.LeaseOwner, r.enr.LeaseExpiresAt = "", 0
	r.enr.UpdatedAt = e.clock().UnixMilli()
	if err := e.store.UpdateEnrollment(ctx, r.enr, owner); err != nil {
		if releaseErr := e.release(ctx, r); releaseErr != nil {
			e.logger.Warn("release enrollment lease failed", zap.Uint64("enrollment_id", id), zap.Error(releaseErr))
		}
		return false, err
	}
	e.logger.Debug("message event recorded",
		zap.Uint64("enrollment_id", id),
		zap.String("step_id", stepID),
		zap.String("event_type", ev.Type))
	return true, nil
}

// findMessageStep returns the step that sent messageID, or the step with the
// latest send when messageID is empty.
func findMessageStep(ctx map[string]map[string]interface{}, messageID string) string {
	var (
		best   string
		bestAt float64
	)
	for stepID, out := range ctx {
		sent, ok := out["message_id"]
		if !ok {
			continue
		}
		if messageID != "" {
			if rules.Stringify(sent) == messageID {
				return stepID
			}
			continue
		}
		at, _ := toFloat(out["sent_at"])
		if best == "" || at > bestAt || (at == bestAt && stepID < best) {
			best, bestAt = stepID, at
		}
	}
	return best
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// handleMessageEvent adapts bus events to RecordMessageEvent.
func (e *Engine) handleMessageEvent(ctx context.Context, event events.Event) error {
	ev := MessageEvent{
		Type:         event.Type,
		ContactID:    event.ContactID,
		EnrollmentID: event.EnrollmentID,
		OccurredAt:   event.OccurredAt,
	}
	if v, ok := event.Data["message_id"]; ok {
		ev.MessageID = rules.Stringify(v)
	}
	if v, ok := event.Data["step_id"]; ok {
		ev.StepID = rules.Stringify(v)
	}
	if v, ok := event.Data["body"]; ok {
		ev.Body = rules.Stringify(v)
	}
	_, err := e.RecordMessageEvent(ctx, ev)
	return err
}

// handleContactDeleted exits every open enrollment of a deleted contact.
// An enrollment that is mid-run exits on its own when its next step finds
// the contact gone.
func (e *Engine) handleContactDeleted(ctx context.Context, event events.Event) error {
	_, err := e.ExitContact(ctx, event.ContactID, reasonContactDeleted)
	return err
}

// ExitContact exits all open enrollments of a contact and returns how many
// were stopped.
func (e *Engine) ExitContact(ctx context.Context, contactID, reason string) (int, error) {
	if contactID == "" {
		return 0, errors.New("contact id is required")
	}
	open, err := e.store.ListEnrollments(ctx, storage.EnrollmentFilter{
		ContactID: contactID,
		Statuses:  []types.EnrollmentStatus{types.EnrollmentActive, types.EnrollmentWaiting},
	})
	if err != nil {
		return 0, err
	}
	exited := 0
	var errs []error
	for _, enr := range open {
		_, err := e.Exit(ctx, enr.ID, reason)
		switch {
		case err == nil:
			exited++
		case errors.Is(err, storage.ErrLeaseHeld), errors.Is(err, ErrEnrollmentClosed):
		default:
			errs = append(errs, err)
		}
	}
	return exited, errors.Join(errs...)
}
