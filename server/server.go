// Package server exposes the workflow engine over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/definition"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
	"github.com/jeremylerwick-max/omni-channel-crm/workflow"
)

// maxDocumentSize bounds definition uploads.
const maxDocumentSize = 1 << 20

// Server holds the dependencies for the API server.
type Server struct {
	engine   *workflow.Engine
	bus      *events.EventBus
	contacts ContactDirectory
	logger   *zap.Logger
	echo     *echo.Echo
}

// Option configures a Server.
type Option func(*Server)

// WithContacts exposes a contact directory under /api/v1/contacts.
func WithContacts(dir ContactDirectory) Option {
	return func(s *Server) {
		s.contacts = dir
	}
}

// New creates a server. bus may be nil, in which case inbound events are
// refused.
func New(engine *workflow.Engine, bus *events.EventBus, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, bus: bus, logger: logger.Named("http"), echo: echo.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("request", fields...)
			return nil
		},
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.echo.Group("/api/v1")
	api.GET("/definitions", s.listDefinitions)
	api.POST("/definitions", s.createDefinition)
	api.POST("/definitions/validate", s.validateDefinition)
	api.GET("/definitions/:id", s.getDefinition)
	api.PUT("/definitions/:id", s.updateDraft)
	api.POST("/definitions/:id/publish", s.publishDefinition)
	api.POST("/definitions/:id/pause", s.transition(s.engine.PauseDefinition))
	api.POST("/definitions/:id/activate", s.transition(s.engine.ActivateDefinition))
	api.POST("/definitions/:id/archive", s.transition(s.engine.ArchiveDefinition))
	api.GET("/definitions/:id/export", s.exportDefinition)
	api.GET("/definitions/:id/stats", s.definitionStats)
	api.POST("/definitions/:id/enrollments", s.enroll)

	api.GET("/enrollments", s.listEnrollments)
	api.GET("/enrollments/:id", s.getEnrollment)
	api.GET("/enrollments/:id/logs", s.enrollmentLogs)
	api.POST("/enrollments/:id/exit", s.exitEnrollment)

	api.POST("/events", s.postEvent)
	api.GET("/dead-letters", s.listDeadLetters)
	api.POST("/dead-letters/:id/replay", s.replayDeadLetter)

	if s.contacts != nil {
		api.GET("/contacts", s.listContacts)
		api.GET("/contacts/:id", s.getContact)
		api.PUT("/contacts/:id", s.putContact)
		api.DELETE("/contacts/:id", s.deleteContact)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleError maps engine errors to HTTP status codes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}

	var he *echo.HTTPError
	var verrs definition.ValidationErrors
	switch {
	case errors.As(err, &he):
		status = he.Code
		body["error"] = he.Message
	case errors.As(err, &verrs):
		status = http.StatusUnprocessableEntity
		problems := make([]string, len(verrs))
		for i, e := range verrs {
			problems[i] = e.Error()
		}
		body["problems"] = problems
	case workflow.IsNotFound(err), errors.Is(err, crm.ErrContactNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyEnrolled),
		errors.Is(err, storage.ErrReentryNotAllowed),
		errors.Is(err, storage.ErrLeaseHeld),
		errors.Is(err, storage.ErrNotReplayable),
		errors.Is(err, storage.ErrWakePending),
		errors.Is(err, workflow.ErrDefinitionNotActive),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrEnrollmentClosed):
		status = http.StatusConflict
	case errors.Is(err, definition.ErrEmptyDocument), errors.Is(err, definition.ErrFormat):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn("write error response", zap.Error(err))
	}
}

func idParam(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id "+strconv.Quote(c.Param("id")))
	}
	return id, nil
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

// readDefinition decodes a JSON or YAML definition from the request body.
func readDefinition(c echo.Context) (types.WorkflowDefinition, error) {
	doc, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDocumentSize))
	if err != nil {
		return types.WorkflowDefinition{}, echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	def, err := definition.Decode(doc)
	if err != nil && !errors.Is(err, definition.ErrEmptyDocument) {
		return def, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return def, err
}

func (s *Server) listDefinitions(c echo.Context) error {
	defs, err := s.engine.ListDefinitions(c.Request().Context(), storage.DefinitionFilter{
		Status:      types.DefinitionStatus(c.QueryParam("status")),
		TriggerType: c.QueryParam("trigger"),
	})
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []types.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) createDefinition(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	created, err := s.engine.CreateDefinition(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) validateDefinition(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	if err := s.engine.ValidateDefinition(def); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) getDefinition(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	version, err := intQuery(c, "version", -1)
	if err != nil {
		return err
	}
	var def types.WorkflowDefinition
	if version < 0 {
		def, err = s.engine.GetDefinition(c.Request().Context(), id)
	} else {
		def, err = s.engine.GetDefinitionVersion(c.Request().Context(), id, version)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) updateDraft(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	draft, err := s.engine.UpdateDraft(c.Request().Context(), id, def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, draft)
}

func (s *Server) publishDefinition(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	def, err := s.engine.PublishDefinition(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) transition(fn func(ctx context.Context, id uint64) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := idParam(c)
		if err != nil {
			return err
		}
		if err := fn(c.Request().Context(), id); err != nil {
			return err
		}
		def, err := s.engine.GetDefinition(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, def)
	}
}

func (s *Server) exportDefinition(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	version, err := intQuery(c, "version", -1)
	if err != nil {
		return err
	}
	format := definition.Format(c.QueryParam("format"))
	doc, err := s.engine.ExportDefinition(c.Request().Context(), id, version, format)
	if err != nil {
		return err
	}
	contentType := echo.MIMEApplicationJSONCharsetUTF8
	if format == definition.FormatYAML {
		contentType = "application/yaml"
	}
	return c.Blob(http.StatusOK, contentType, doc)
}

func (s *Server) definitionStats(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	stats, err := s.engine.DefinitionStats(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

type enrollRequest struct {
	ContactID string                 `json:"contact_id"`
	Event     map[string]interface{} `json:"event,omitempty"`
}

func (s *Server) enroll(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req enrollRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ContactID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contact_id is required")
	}
	enr, err := s.engine.Enroll(c.Request().Context(), id, req.ContactID, req.Event)
	if err != nil && enr.ID == 0 {
		return err
	}
	if err != nil {
		// The enrollment exists but its run was interrupted; it is recovered
		// by the scheduler.
		s.logger.Warn("enrollment run interrupted", zap.Uint64("enrollment_id", enr.ID), zap.Error(err))
		return c.JSON(http.StatusAccepted, enr)
	}
	return c.JSON(http.StatusCreated, enr)
}

func (s *Server) listEnrollments(c echo.Context) error {
	var filter storage.EnrollmentFilter
	if raw := c.QueryParam("definition_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid definition_id")
		}
		filter.DefinitionID = id
	}
	filter.ContactID = c.QueryParam("contact_id")
	if status := c.QueryParam("status"); status != "" {
		filter.Statuses = []types.EnrollmentStatus{types.EnrollmentStatus(status)}
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return err
	}
	filter.Limit = limit

	enrollments, err := s.engine.ListEnrollments(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if enrollments == nil {
		enrollments = []types.Enrollment{}
	}
	return c.JSON(http.StatusOK, enrollments)
}

func (s *Server) getEnrollment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	enr, err := s.engine.GetEnrollment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enr)
}

func (s *Server) enrollmentLogs(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	logs, err := s.engine.EnrollmentHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []types.StepExecutionLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

type exitRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) exitEnrollment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req exitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	enr, err := s.engine.Exit(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enr)
}

type eventRequest struct {
	Type         string                 `json:"type"`
	ContactID    string                 `json:"contact_id"`
	EnrollmentID uint64                 `json:"enrollment_id,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	OccurredAt   *time.Time             `json:"occurred_at,omitempty"`
}

// postEvent delivers an inbound CRM event to its subscribers and waits for
// them.
func (s *Server) postEvent(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event intake is disabled")
	}
	var req eventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}
	ev := events.Event{
		Type:         req.Type,
		ContactID:    req.ContactID,
		EnrollmentID: req.EnrollmentID,
		Data:         req.Data,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}

	handled, err := s.dispatch(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	if !handled {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "ignored"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "processed"})
}

// dispatch runs the subscribers of ev and reports whether there were any.
func (s *Server) dispatch(ctx context.Context, ev events.Event) (bool, error) {
	if s.bus == nil {
		return false, nil
	}
	err := s.bus.PublishSync(ctx, ev)
	if errors.Is(err, events.ErrNoHandler) {
		return false, nil
	}
	return err == nil, err
}

func (s *Server) listDeadLetters(c echo.Context) error {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		return err
	}
	wakes, err := s.engine.ListDeadLetters(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if wakes == nil {
		wakes = []types.ScheduledWake{}
	}
	return c.JSON(http.StatusOK, wakes)
}

type replayResponse struct {
	Wake       types.ScheduledWake `json:"wake"`
	Enrollment types.Enrollment    `json:"enrollment"`
}

func (s *Server) replayDeadLetter(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	wake, enr, err := s.engine.ReplayDeadLetter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, replayResponse{Wake: wake, Enrollment: enr})
}
