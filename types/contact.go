package types

import "strings"

// Contact is the snapshot of a CRM contact used by conditions, tokens and actions.
type Contact struct {
	ID           string                 `json:"id"`
	FirstName    string                 `json:"first_name,omitempty"`
	LastName     string                 `json:"last_name,omitempty"`
	Email        string                 `json:"email,omitempty"`
	Phone        string                 `json:"phone,omitempty"`
	Timezone     string                 `json:"timezone,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
	OptedOut     bool                   `json:"opted_out,omitempty"`
	CreatedAt    int64                  `json:"created_at,omitempty"`
}

// ContactFields lists the standard fields addressable as contact.<field>.
var ContactFields = []string{
	"id", "first_name", "last_name", "full_name", "email", "phone",
	"timezone", "tags", "opted_out", "created_at",
}

// Field returns a standard or custom field by dotted path relative to the contact,
// e.g. "first_name" or "custom.plan".
func (c Contact) Field(path string) (interface{}, bool) {
	head, rest, nested := strings.Cut(path, ".")
	if head == "custom" || head == "custom_fields" {
		if !nested || c.CustomFields == nil {
			return nil, false
		}
		return lookupPath(c.CustomFields, rest)
	}
	if nested {
		return nil, false
	}
	switch head {
	case "id":
		return c.ID, true
	case "first_name":
		return c.FirstName, c.FirstName != ""
	case "last_name":
		return c.LastName, c.LastName != ""
	case "full_name":
		full := strings.TrimSpace(c.FirstName + " " + c.LastName)
		return full, full != ""
	case "email":
		return c.Email, c.Email != ""
	case "phone":
		return c.Phone, c.Phone != ""
	case "timezone":
		return c.Timezone, c.Timezone != ""
	case "tags":
		tags := make([]interface{}, len(c.Tags))
		for i, t := range c.Tags {
			tags[i] = t
		}
		return tags, true
	case "opted_out":
		return c.OptedOut, true
	case "created_at":
		return c.CreatedAt, c.CreatedAt != 0
	}
	return nil, false
}

// HasTag reports whether the contact carries tag.
func (c Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// LookupPath walks a dotted path through nested maps.
func LookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	return lookupPath(m, path)
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}
