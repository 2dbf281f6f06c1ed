package rules

import (
	"strings"
	"time"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// Scope is the data a condition or token can read.
type Scope struct {
	Contact *types.Contact
	// Steps maps step id to the output that step recorded in the enrollment context.
	Steps map[string]map[string]interface{}
	// Event is the payload of the triggering event, if any.
	Event map[string]interface{}
	Now   time.Time
}

func (s Scope) now() time.Time {
	if s.Now.IsZero() {
		return time.Now()
	}
	return s.Now
}

// Lookup resolves a dotted field path such as "contact.first_name",
// "contact.custom.plan", "steps.A.replied" or "event.tag".
func (s Scope) Lookup(path string) (interface{}, bool) {
	namespace, rest, ok := strings.Cut(strings.TrimSpace(path), ".")
	if !ok || rest == "" {
		return nil, false
	}
	switch namespace {
	case "contact":
		if s.Contact == nil {
			return nil, false
		}
		return s.Contact.Field(rest)
	case "steps":
		stepID, key, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, false
		}
		output, found := s.Steps[stepID]
		if !found {
			return nil, false
		}
		return types.LookupPath(output, key)
	case "event":
		if s.Event == nil {
			return nil, false
		}
		return types.LookupPath(s.Event, rest)
	}
	return nil, false
}
