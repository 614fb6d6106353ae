package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// ValidateGrades rejects grade values outside [MinGradeValue, MaxGradeValue].
	ValidateGrades bool
	// Seed preloads the demonstration records.
	Seed bool
	Now  func() time.Time
}

// MemoryStore is the volatile record store. Identifiers come from monotonic
// counters so a delete never causes an identifier to be handed out twice.
type MemoryStore struct {
	mu             sync.RWMutex
	students       []models.Student
	grades         []models.Grade
	studentSeq     uint64
	gradeSeq       uint64
	validateGrades bool
	now            func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty (or seeded) in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &MemoryStore{
		students:       make([]models.Student, 0),
		grades:         make([]models.Grade, 0),
		validateGrades: opts.ValidateGrades,
		now:            now,
	}
	if opts.Seed {
		s.seed()
	}
	return s
}

func (s *MemoryStore) seed() {
	s.studentSeq++
	studentID := formatStudentID(s.studentSeq)
	s.students = append(s.students, models.Student{
		ID:        studentID,
		Lastname:  "Bernary",
		Firstname: "Nary",
		Phone:     "01 23 45 67 89",
		Filiere:   "Informatique",
		Niveau:    "Licence 1",
		Address:   "Akatso, TANA",
		DateAdded: s.now().UTC(),
	})

	seeds := []struct {
		subject     string
		value       float64
		coefficient float64
	}{
		{"Mathématiques", 15, 3},
		{"Physique", 12, 2},
		{"Informatique", 18, 4},
	}
	for _, seed := range seeds {
		s.gradeSeq++
		s.grades = append(s.grades, models.Grade{
			ID:          models.GradeID(strconv.FormatUint(s.gradeSeq, 10)),
			StudentID:   studentID,
			Subject:     seed.subject,
			Value:       seed.value,
			Coefficient: seed.coefficient,
		})
	}
}

func formatStudentID(seq uint64) string {
	return fmt.Sprintf("%s%03d", models.StudentIDPrefix, seq)
}

func (s *MemoryStore) CreateStudent(ctx context.Context, req dto.StudentCreateRequest) (models.Student, error) {
	if err := ctx.Err(); err != nil {
		return models.Student{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.studentSeq++
	student := req.NewStudent()
	student.ID = formatStudentID(s.studentSeq)
	student.DateAdded = s.now().UTC()
	student.UpdatedAt = student.DateAdded
	s.students = append(s.students, student)

	return student, nil
}

func (s *MemoryStore) UpdateStudent(ctx context.Context, id string, req dto.StudentUpdateRequest) (models.Student, error) {
	if err := ctx.Err(); err != nil {
		return models.Student{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.students {
		if s.students[i].ID != id {
			continue
		}
		merged := s.students[i]
		req.ApplyTo(&merged)
		merged.UpdatedAt = s.now().UTC()
		s.students[i] = merged
		return merged, nil
	}

	return models.Student{}, fmt.Errorf("student %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) DeleteStudent(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.students[:0]
	for _, student := range s.students {
		if student.ID != id {
			kept = append(kept, student)
		}
	}
	s.students = kept

	return id, nil
}

func (s *MemoryStore) ListStudents(ctx context.Context) ([]models.Student, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyStudents(s.students), nil
}

func (s *MemoryStore) CreateGrade(ctx context.Context, req dto.GradeCreateRequest) (models.Grade, error) {
	if err := ctx.Err(); err != nil {
		return models.Grade{}, err
	}

	grade := req.NewGrade()
	if s.validateGrades {
		if err := CheckGradeValue(grade.Value); err != nil {
			return models.Grade{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gradeSeq++
	grade.ID = models.GradeID(strconv.FormatUint(s.gradeSeq, 10))
	grade.CreatedAt = s.now().UTC()
	grade.UpdatedAt = grade.CreatedAt
	s.grades = append(s.grades, grade)

	return grade, nil
}

func (s *MemoryStore) UpdateGrade(ctx context.Context, id models.GradeID, req dto.GradeUpdateRequest) (models.Grade, error) {
	if err := ctx.Err(); err != nil {
		return models.Grade{}, err
	}

	if s.validateGrades && req.Grade != nil {
		if err := CheckGradeValue(*req.Grade); err != nil {
			return models.Grade{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.grades {
		if s.grades[i].ID != id {
			continue
		}
		merged := s.grades[i]
		req.ApplyTo(&merged)
		merged.UpdatedAt = s.now().UTC()
		s.grades[i] = merged
		return merged, nil
	}

	return models.Grade{}, fmt.Errorf("grade %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) DeleteGrade(ctx context.Context, id models.GradeID) (models.GradeID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.grades[:0]
	for _, grade := range s.grades {
		if grade.ID != id {
			kept = append(kept, grade)
		}
	}
	s.grades = kept

	return id, nil
}

func (s *MemoryStore) ListGrades(ctx context.Context) ([]models.Grade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyGrades(s.grades), nil
}

func (s *MemoryStore) StudentAverage(ctx context.Context, studentID string) (float64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := make([]models.Grade, 0)
	for _, grade := range s.grades {
		if grade.StudentID == studentID {
			owned = append(owned, grade)
		}
	}

	return Mean(owned), len(owned), nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Students: copyStudents(s.students),
		Grades:   copyGrades(s.grades),
	}, nil
}

func copyStudents(in []models.Student) []models.Student {
	out := make([]models.Student, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Email != nil {
			email := *out[i].Email
			out[i].Email = &email
		}
	}
	return out
}

func copyGrades(in []models.Grade) []models.Grade {
	out := make([]models.Grade, len(in))
	copy(out, in)
	for i := range out {
		if out[i].ExamDate != nil {
			date := *out[i].ExamDate
			out[i].ExamDate = &date
		}
	}
	return out
}
