package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// ContactDirectory is a contact store that can also be written through the
// API. *crm.MemoryContactStore implements it.
type ContactDirectory interface {
	crm.ContactStore
	PutContact(c types.Contact)
	DeleteContact(id string) bool
	ListContacts() []types.Contact
}

func (s *Server) listContacts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.contacts.ListContacts())
}

func (s *Server) getContact(c echo.Context) error {
	contact, err := s.contacts.GetContact(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, contact)
}

// putContact creates or replaces a contact. A new contact raises
// contact_created so matching workflows enroll it.
func (s *Server) putContact(c echo.Context) error {
	var contact types.Contact
	if err := c.Bind(&contact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	contact.ID = c.Param("id")
	ctx := c.Request().Context()

	existing, err := s.contacts.GetContact(ctx, contact.ID)
	created := err != nil
	if contact.CreatedAt == 0 {
		contact.CreatedAt = existing.CreatedAt
		if created {
			contact.CreatedAt = s.engine.Scheduler().Now().UnixMilli()
		}
	}
	s.contacts.PutContact(contact)
	if !created {
		return c.JSON(http.StatusOK, contact)
	}

	if _, err := s.dispatch(ctx, events.Event{Type: types.TriggerContactCreated, ContactID: contact.ID}); err != nil {
		s.logger.Warn("contact_created handlers failed", zap.String("contact_id", contact.ID), zap.Error(err))
	}
	return c.JSON(http.StatusCreated, contact)
}

// deleteContact removes a contact and exits its open enrollments.
func (s *Server) deleteContact(c echo.Context) error {
	id := c.Param("id")
	if !s.contacts.DeleteContact(id) {
		return echo.NewHTTPError(http.StatusNotFound, "contact not found")
	}
	ctx := c.Request().Context()
	handled, err := s.dispatch(ctx, events.Event{Type: events.ContactDeleted, ContactID: id})
	if err != nil {
		return err
	}
	if !handled {
		if _, err := s.engine.ExitContact(ctx, id, "contact deleted"); err != nil {
			return err
		}
	}
	return c.NoContent(http.StatusNoContent)
}
