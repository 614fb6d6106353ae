package service

import (
	"context"
	"errors"
	"html"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/store"
)

// RecordService validates and sanitizes record mutations before they reach the store.
type RecordService interface {
	CreateStudent(ctx context.Context, req dto.StudentCreateRequest) (models.Student, error)
	UpdateStudent(ctx context.Context, req dto.StudentUpdateRequest) (models.Student, error)
	DeleteStudent(ctx context.Context, id string) (string, error)
	ListStudents(ctx context.Context) ([]models.Student, error)

	CreateGrade(ctx context.Context, req dto.GradeCreateRequest) (models.Grade, error)
	UpdateGrade(ctx context.Context, req dto.GradeUpdateRequest) (models.Grade, error)
	DeleteGrade(ctx context.Context, id models.GradeID) (models.GradeID, error)
	ListGrades(ctx context.Context) ([]models.Grade, error)

	StudentAverage(ctx context.Context, studentID string) (float64, error)
	Snapshot(ctx context.Context) (store.Snapshot, error)
	Dashboard(ctx context.Context, sessions int) (dto.DashboardStats, error)
}

type recordService struct {
	store     store.Store
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewValidator returns a validator reporting fields by their JSON names.
func NewValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return validate
}

// NewRecordService constructs the record service.
func NewRecordService(records store.Store, validate *validator.Validate, logger zerolog.Logger) RecordService {
	if validate == nil {
		validate = NewValidator()
	}
	return &recordService{
		store:     records,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "record_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gradesync-api/internal/service/records"),
		now:       time.Now,
	}
}

func (s *recordService) CreateStudent(ctx context.Context, req dto.StudentCreateRequest) (models.Student, error) {
	req.Firstname = s.clean(req.Firstname)
	req.Lastname = s.clean(req.Lastname)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Filiere = s.clean(req.Filiere)
	req.Niveau = s.clean(req.Niveau)
	req.Address = s.clean(req.Address)
	req.Email = normalizeEmail(req.Email)

	if err := s.validate(req); err != nil {
		return models.Student{}, err
	}

	ctx, span := s.tracer.Start(ctx, "records.student.create")
	defer span.End()

	student, err := s.store.CreateStudent(ctx, req)
	if err != nil {
		span.RecordError(err)
		return models.Student{}, err
	}
	span.SetAttributes(attribute.String("student.id", student.ID))
	return student, nil
}

func (s *recordService) UpdateStudent(ctx context.Context, req dto.StudentUpdateRequest) (models.Student, error) {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return models.Student{}, store.NewValidationError("id", "is required")
	}
	req.Firstname = s.cleanPtr(req.Firstname)
	req.Lastname = s.cleanPtr(req.Lastname)
	req.Filiere = s.cleanPtr(req.Filiere)
	req.Niveau = s.cleanPtr(req.Niveau)
	req.Address = s.cleanPtr(req.Address)
	req.Email = normalizeEmail(req.Email)

	if err := s.validate(req); err != nil {
		return models.Student{}, err
	}

	ctx, span := s.tracer.Start(ctx, "records.student.update", trace.WithAttributes(attribute.String("student.id", req.ID)))
	defer span.End()

	student, err := s.store.UpdateStudent(ctx, req.ID, req)
	if err != nil {
		span.RecordError(err)
		return models.Student{}, err
	}
	return student, nil
}

func (s *recordService) DeleteStudent(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", store.NewValidationError("id", "is required")
	}
	return s.store.DeleteStudent(ctx, id)
}

func (s *recordService) ListStudents(ctx context.Context) ([]models.Student, error) {
	return s.store.ListStudents(ctx)
}

func (s *recordService) CreateGrade(ctx context.Context, req dto.GradeCreateRequest) (models.Grade, error) {
	req.StudentID = strings.TrimSpace(req.StudentID)
	req.Subject = s.clean(req.Subject)
	req.Comment = s.clean(req.Comment)
	req.Semester = s.clean(req.Semester)
	req.AcademicYear = strings.TrimSpace(req.AcademicYear)

	if err := s.validate(req); err != nil {
		return models.Grade{}, err
	}

	ctx, span := s.tracer.Start(ctx, "records.grade.create", trace.WithAttributes(attribute.String("student.id", req.StudentID)))
	defer span.End()

	grade, err := s.store.CreateGrade(ctx, req)
	if err != nil {
		span.RecordError(err)
		return models.Grade{}, err
	}
	return grade, nil
}

func (s *recordService) UpdateGrade(ctx context.Context, req dto.GradeUpdateRequest) (models.Grade, error) {
	req.ID = models.GradeID(strings.TrimSpace(req.ID.String()))
	if req.ID == "" {
		return models.Grade{}, store.NewValidationError("id", "is required")
	}
	req.Subject = s.cleanPtr(req.Subject)
	req.Comment = s.cleanPtr(req.Comment)
	req.Semester = s.cleanPtr(req.Semester)

	if err := s.validate(req); err != nil {
		return models.Grade{}, err
	}

	ctx, span := s.tracer.Start(ctx, "records.grade.update", trace.WithAttributes(attribute.String("grade.id", req.ID.String())))
	defer span.End()

	grade, err := s.store.UpdateGrade(ctx, req.ID, req)
	if err != nil {
		span.RecordError(err)
		return models.Grade{}, err
	}
	return grade, nil
}

func (s *recordService) DeleteGrade(ctx context.Context, id models.GradeID) (models.GradeID, error) {
	id = models.GradeID(strings.TrimSpace(id.String()))
	if id == "" {
		return "", store.NewValidationError("id", "is required")
	}
	return s.store.DeleteGrade(ctx, id)
}

func (s *recordService) ListGrades(ctx context.Context) ([]models.Grade, error) {
	return s.store.ListGrades(ctx)
}

func (s *recordService) StudentAverage(ctx context.Context, studentID string) (float64, error) {
	average, count, err := s.store.StudentAverage(ctx, studentID)
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Str("student_id", studentID).Int("grades", count).Float64("average", average).Msg("student average computed")
	return average, nil
}

func (s *recordService) Snapshot(ctx context.Context) (store.Snapshot, error) {
	return s.store.Snapshot(ctx)
}

func (s *recordService) Dashboard(ctx context.Context, sessions int) (dto.DashboardStats, error) {
	return store.ComputeDashboard(ctx, s.store, sessions, s.now())
}

func (s *recordService) validate(payload interface{}) error {
	err := s.validator.Struct(payload)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		first := fieldErrors[0]
		return store.NewValidationError(first.Field(), describeRule(first))
	}
	return store.NewValidationError("", err.Error())
}

// clean strips markup and returns plain text.
func (s *recordService) clean(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}

func (s *recordService) cleanPtr(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := s.clean(*value)
	return &cleaned
}

func normalizeEmail(email *string) *string {
	if email == nil {
		return nil
	}
	trimmed := strings.ToLower(strings.TrimSpace(*email))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must not be empty"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gte", "lte":
		return "is out of range"
	default:
		return "is invalid"
	}
}
