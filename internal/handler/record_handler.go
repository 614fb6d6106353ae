package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/middleware"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/internal/store"
	"github.com/noah-isme/gradesync-api/internal/utils"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// RecordHandler mirrors the realtime mutations over plain HTTP. Writes go
// through the hub so they broadcast exactly like client events do.
type RecordHandler struct {
	hub       *realtime.Hub
	records   service.RecordService
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRecordHandler constructs the HTTP mirror handler.
func NewRecordHandler(hub *realtime.Hub, records service.RecordService, validate *validator.Validate, logger zerolog.Logger) *RecordHandler {
	if validate == nil {
		validate = service.NewValidator()
	}
	return &RecordHandler{
		hub:       hub,
		records:   records,
		validator: validate,
		logger:    logger.With().Str("component", "record_handler").Logger(),
		now:       time.Now,
	}
}

// RegisterStudents binds student routes. Mutating routes are wrapped with guard.
func (h *RecordHandler) RegisterStudents(router fiber.Router, guard ...fiber.Handler) {
	router.Get("/", h.listStudents)
	router.Get("/:id/average", h.studentAverage)
	router.Post("/", guarded(guard, h.createStudent)...)
	router.Put("/:id", guarded(guard, h.updateStudent)...)
	router.Delete("/:id", guarded(guard, h.deleteStudent)...)
}

// RegisterGrades binds grade routes. Mutating routes are wrapped with guard.
func (h *RecordHandler) RegisterGrades(router fiber.Router, guard ...fiber.Handler) {
	router.Get("/", h.listGrades)
	router.Post("/", guarded(guard, h.createGrade)...)
	router.Put("/:id", guarded(guard, h.updateGrade)...)
	router.Delete("/:id", guarded(guard, h.deleteGrade)...)
}

// Dashboard returns the dashboard statistics.
func (h *RecordHandler) Dashboard(c *fiber.Ctx) error {
	stats, err := h.records.Dashboard(h.requestContext(c), h.hub.SessionCount())
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "dashboard statistics", stats)
}

// Notify broadcasts a notification to every session or to a single room.
func (h *RecordHandler) Notify(c *fiber.Ctx) error {
	var req dto.NotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Type = strings.TrimSpace(req.Type)
	req.Room = strings.TrimSpace(req.Room)
	if err := h.validator.Struct(req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid notification", validationDetails(err))
	}
	if req.Type == "" {
		req.Type = protocol.NotificationInfo
	}

	notification := protocol.Notification{
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Timestamp: h.now().UTC(),
	}
	audience := realtime.All
	if req.Room != "" {
		audience = realtime.Room(req.Room)
	}

	if err := h.hub.Publish(h.requestContext(c), protocol.EventNotification, notification, audience); err != nil {
		return h.fail(c, err)
	}

	requestLogger(h.logger, c).Info().Str("type", req.Type).Str("room", req.Room).Msg("notification published")
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "notification sent", notification)
}

func (h *RecordHandler) listStudents(c *fiber.Ctx) error {
	students, err := h.records.ListStudents(h.requestContext(c))
	if err != nil {
		return h.fail(c, err)
	}
	return utils.OK(c, students, "students retrieved", fiber.Map{"count": len(students)})
}

func (h *RecordHandler) studentAverage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	average, err := h.records.StudentAverage(h.requestContext(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "student average", protocol.AverageUpdated{StudentID: id, Average: average})
}

func (h *RecordHandler) createStudent(c *fiber.Ctx) error {
	var req dto.StudentCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.hub.Submit(h.requestContext(c), protocol.EventStudentCreate, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "student created", result)
}

func (h *RecordHandler) updateStudent(c *fiber.Ctx) error {
	var req dto.StudentUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.ID = strings.TrimSpace(c.Params("id"))

	result, err := h.hub.Submit(h.requestContext(c), protocol.EventStudentUpdate, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "student updated", result)
}

func (h *RecordHandler) deleteStudent(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	result, err := h.hub.Submit(h.requestContext(c), protocol.EventStudentDelete, id)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "student deleted", fiber.Map{"id": result})
}

func (h *RecordHandler) listGrades(c *fiber.Ctx) error {
	grades, err := h.records.ListGrades(h.requestContext(c))
	if err != nil {
		return h.fail(c, err)
	}
	if studentID := strings.TrimSpace(c.Query("studentId")); studentID != "" {
		filtered := make([]models.Grade, 0, len(grades))
		for _, grade := range grades {
			if grade.StudentID == studentID {
				filtered = append(filtered, grade)
			}
		}
		grades = filtered
	}
	return utils.OK(c, grades, "grades retrieved", fiber.Map{"count": len(grades)})
}

func (h *RecordHandler) createGrade(c *fiber.Ctx) error {
	var req dto.GradeCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.hub.Submit(h.requestContext(c), protocol.EventGradeCreate, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "grade created", result)
}

func (h *RecordHandler) updateGrade(c *fiber.Ctx) error {
	var req dto.GradeUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.ID = models.GradeID(strings.TrimSpace(c.Params("id")))

	result, err := h.hub.Submit(h.requestContext(c), protocol.EventGradeUpdate, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "grade updated", result)
}

func (h *RecordHandler) deleteGrade(c *fiber.Ctx) error {
	id := models.GradeID(strings.TrimSpace(c.Params("id")))
	result, err := h.hub.Submit(h.requestContext(c), protocol.EventGradeDelete, id)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "grade deleted", fiber.Map{"id": result})
}

func guarded(guard []fiber.Handler, final fiber.Handler) []fiber.Handler {
	handlers := make([]fiber.Handler, 0, len(guard)+1)
	handlers = append(handlers, guard...)
	return append(handlers, final)
}

func (h *RecordHandler) requestContext(c *fiber.Ctx) context.Context {
	return middleware.ContextWithCorrelation(c.UserContext(), middleware.GetCorrelationID(c))
}

func (h *RecordHandler) fail(c *fiber.Ctx, err error) error {
	status, message := statusForError(err)
	logger := requestLogger(h.logger, c)
	if status >= fiber.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Path()).Msg("record request failed")
	} else {
		logger.Debug().Err(err).Str("path", c.Path()).Int("status", status).Msg("record request rejected")
	}

	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return utils.Fail(c, status, message, fiber.Map{"field": validationErr.Field, "reason": validationErr.Reason})
	}
	return utils.Fail(c, status, message, nil)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrValidation), errors.Is(err, realtime.ErrInvalidPayload):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrDuplicateKey):
		return fiber.StatusConflict, err.Error()
	case errors.Is(err, realtime.ErrForbidden):
		return fiber.StatusForbidden, "forbidden"
	case errors.Is(err, realtime.ErrHubClosed), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable, "realtime unavailable"
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

func validationDetails(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}
