// Package store holds the authoritative student and grade collections.
package store

import (
	"context"
	"fmt"
	"math"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
)

// Grade bounds enforced when grade validation is enabled.
const (
	MinGradeValue = 0.0
	MaxGradeValue = 20.0
)

// Snapshot is a consistent copy of both collections.
type Snapshot struct {
	Students []models.Student `json:"students"`
	Grades   []models.Grade   `json:"grades"`
}

// Store is the record store contract shared by the in-memory and relational variants.
type Store interface {
	CreateStudent(ctx context.Context, req dto.StudentCreateRequest) (models.Student, error)
	UpdateStudent(ctx context.Context, id string, req dto.StudentUpdateRequest) (models.Student, error)
	DeleteStudent(ctx context.Context, id string) (string, error)
	ListStudents(ctx context.Context) ([]models.Student, error)

	CreateGrade(ctx context.Context, req dto.GradeCreateRequest) (models.Grade, error)
	UpdateGrade(ctx context.Context, id models.GradeID, req dto.GradeUpdateRequest) (models.Grade, error)
	DeleteGrade(ctx context.Context, id models.GradeID) (models.GradeID, error)
	ListGrades(ctx context.Context) ([]models.Grade, error)

	StudentAverage(ctx context.Context, studentID string) (float64, int, error)
	Snapshot(ctx context.Context) (Snapshot, error)
}

// CheckGradeValue rejects values outside [MinGradeValue, MaxGradeValue].
func CheckGradeValue(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < MinGradeValue || value > MaxGradeValue {
		return NewValidationError("grade", fmt.Sprintf("must be between %g and %g", MinGradeValue, MaxGradeValue))
	}
	return nil
}

// Round2 rounds to two decimal places for display.
func Round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// Mean returns the arithmetic mean of the grade values rounded to two decimals, 0 when empty.
func Mean(grades []models.Grade) float64 {
	if len(grades) == 0 {
		return 0
	}
	var sum float64
	for _, grade := range grades {
		sum += grade.Value
	}
	return Round2(sum / float64(len(grades)))
}
