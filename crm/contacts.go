package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// MemoryContactStore keeps contacts in memory. It backs simulations, tests
// and single-node deployments that receive contacts over the HTTP API.
type MemoryContactStore struct {
	mu       sync.RWMutex
	contacts map[string]types.Contact
}

// NewMemoryContactStore creates a store seeded with contacts.
func NewMemoryContactStore(contacts ...types.Contact) *MemoryContactStore {
	s := &MemoryContactStore{contacts: make(map[string]types.Contact)}
	for _, c := range contacts {
		s.contacts[c.ID] = copyContact(c)
	}
	return s
}

func copyContact(c types.Contact) types.Contact {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("crm: copy contact: %v", err))
	}
	var out types.Contact
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("crm: copy contact: %v", err))
	}
	return out
}

// PutContact creates or replaces a contact.
func (s *MemoryContactStore) PutContact(c types.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = copyContact(c)
}

// DeleteContact removes a contact and reports whether it existed.
func (s *MemoryContactStore) DeleteContact(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contacts[id]
	delete(s.contacts, id)
	return ok
}

// ListContacts returns all contacts ordered by id.
func (s *MemoryContactStore) ListContacts() []types.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, copyContact(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetContact returns a copy of the contact.
func (s *MemoryContactStore) GetContact(ctx context.Context, id string) (types.Contact, error) {
	if err := ctx.Err(); err != nil {
		return types.Contact{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return types.Contact{}, fmt.Errorf("%w: id=%s", ErrContactNotFound, id)
	}
	return copyContact(c), nil
}

func (s *MemoryContactStore) mutate(ctx context.Context, id string, fn func(c *types.Contact) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrContactNotFound, id)
	}
	if err := fn(&c); err != nil {
		return err
	}
	s.contacts[id] = c
	return nil
}

// AddTag adds tag unless the contact already has it.
func (s *MemoryContactStore) AddTag(ctx context.Context, id, tag string) error {
	return s.mutate(ctx, id, func(c *types.Contact) error {
		if !c.HasTag(tag) {
			c.Tags = append(c.Tags, tag)
		}
		return nil
	})
}

// RemoveTag removes tag if present.
func (s *MemoryContactStore) RemoveTag(ctx context.Context, id, tag string) error {
	return s.mutate(ctx, id, func(c *types.Contact) error {
		kept := c.Tags[:0:0]
		for _, t := range c.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		c.Tags = kept
		return nil
	})
}

// SetField sets one of the writable standard fields.
func (s *MemoryContactStore) SetField(ctx context.Context, id, field string, value interface{}) error {
	return s.mutate(ctx, id, func(c *types.Contact) error {
		if field == "opted_out" {
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("opted_out must be a boolean, got %T", value)
			}
			c.OptedOut = b
			return nil
		}
		str := fmt.Sprint(value)
		if value == nil {
			str = ""
		}
		switch field {
		case "first_name":
			c.FirstName = str
		case "last_name":
			c.LastName = str
		case "email":
			c.Email = str
		case "phone":
			c.Phone = str
		case "timezone":
			c.Timezone = str
		default:
			return fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
		return nil
	})
}

// SetCustomField sets a custom field; a nil value deletes it.
func (s *MemoryContactStore) SetCustomField(ctx context.Context, id, key string, value interface{}) error {
	return s.mutate(ctx, id, func(c *types.Contact) error {
		if value == nil {
			delete(c.CustomFields, key)
			return nil
		}
		if c.CustomFields == nil {
			c.CustomFields = make(map[string]interface{})
		}
		c.CustomFields[key] = value
		return nil
	})
}
