package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/store"
)

// RecordRepository persists students and grades through gorm so several
// server nodes can share one authoritative copy.
type RecordRepository struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Store = (*RecordRepository)(nil)

// NewRecordRepository constructs the relational record store.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db, now: time.Now}
}

// AutoMigrate creates or updates the record tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Student{}, &models.Grade{})
}

func (r *RecordRepository) CreateStudent(ctx context.Context, req dto.StudentCreateRequest) (models.Student, error) {
	student := req.NewStudent()
	student.ID = uuid.NewString()
	student.DateAdded = r.now().UTC()
	student.UpdatedAt = student.DateAdded

	if err := r.db.WithContext(ctx).Create(&student).Error; err != nil {
		return models.Student{}, translateError(err)
	}
	return student, nil
}

func (r *RecordRepository) UpdateStudent(ctx context.Context, id string, req dto.StudentUpdateRequest) (models.Student, error) {
	var student models.Student
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&student, "id = ?", id).Error; err != nil {
			return err
		}
		req.ApplyTo(&student)
		student.UpdatedAt = r.now().UTC()
		return tx.Save(&student).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Student{}, fmt.Errorf("student %s: %w", id, store.ErrNotFound)
		}
		return models.Student{}, translateError(err)
	}
	return student, nil
}

func (r *RecordRepository) DeleteStudent(ctx context.Context, id string) (string, error) {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Student{}).Error; err != nil {
		return "", err
	}
	return id, nil
}

func (r *RecordRepository) ListStudents(ctx context.Context) ([]models.Student, error) {
	var students []models.Student
	if err := r.db.WithContext(ctx).Order("date_added ASC").Order("id ASC").Find(&students).Error; err != nil {
		return nil, err
	}
	if students == nil {
		students = make([]models.Student, 0)
	}
	return students, nil
}

func (r *RecordRepository) CreateGrade(ctx context.Context, req dto.GradeCreateRequest) (models.Grade, error) {
	grade := req.NewGrade()
	if err := store.CheckGradeValue(grade.Value); err != nil {
		return models.Grade{}, err
	}
	grade.ID = models.GradeID(uuid.NewString())
	grade.CreatedAt = r.now().UTC()
	grade.UpdatedAt = grade.CreatedAt

	if err := r.db.WithContext(ctx).Create(&grade).Error; err != nil {
		return models.Grade{}, translateError(err)
	}
	return grade, nil
}

func (r *RecordRepository) UpdateGrade(ctx context.Context, id models.GradeID, req dto.GradeUpdateRequest) (models.Grade, error) {
	if req.Grade != nil {
		if err := store.CheckGradeValue(*req.Grade); err != nil {
			return models.Grade{}, err
		}
	}

	var grade models.Grade
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&grade, "id = ?", id.String()).Error; err != nil {
			return err
		}
		req.ApplyTo(&grade)
		grade.UpdatedAt = r.now().UTC()
		return tx.Save(&grade).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Grade{}, fmt.Errorf("grade %s: %w", id, store.ErrNotFound)
		}
		return models.Grade{}, translateError(err)
	}
	return grade, nil
}

func (r *RecordRepository) DeleteGrade(ctx context.Context, id models.GradeID) (models.GradeID, error) {
	if err := r.db.WithContext(ctx).Where("id = ?", id.String()).Delete(&models.Grade{}).Error; err != nil {
		return "", err
	}
	return id, nil
}

func (r *RecordRepository) ListGrades(ctx context.Context) ([]models.Grade, error) {
	return r.listGrades(r.db.WithContext(ctx))
}

func (r *RecordRepository) listGrades(tx *gorm.DB) ([]models.Grade, error) {
	var grades []models.Grade
	if err := tx.Order("created_at ASC").Order("id ASC").Find(&grades).Error; err != nil {
		return nil, err
	}
	if grades == nil {
		grades = make([]models.Grade, 0)
	}
	return grades, nil
}

func (r *RecordRepository) StudentAverage(ctx context.Context, studentID string) (float64, int, error) {
	var grades []models.Grade
	if err := r.db.WithContext(ctx).Where("student_id = ?", studentID).Find(&grades).Error; err != nil {
		return 0, 0, err
	}
	return store.Mean(grades), len(grades), nil
}

func (r *RecordRepository) Snapshot(ctx context.Context) (store.Snapshot, error) {
	var snapshot store.Snapshot
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var students []models.Student
		if err := tx.Order("date_added ASC").Order("id ASC").Find(&students).Error; err != nil {
			return err
		}
		grades, err := r.listGrades(tx)
		if err != nil {
			return err
		}
		if students == nil {
			students = make([]models.Student, 0)
		}
		snapshot = store.Snapshot{Students: students, Grades: grades}
		return nil
	})
	return snapshot, err
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	// drivers opened without TranslateError still surface the raw constraint text
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key") {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return err
}
