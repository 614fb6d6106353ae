package dto

import (
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gradesync-api/internal/models"
)

// StudentCreateRequest carries the fields supplied when registering a student.
type StudentCreateRequest struct {
	Firstname string  `json:"firstname" validate:"required,max=255"`
	Lastname  string  `json:"lastname" validate:"required,max=255"`
	Email     *string `json:"email,omitempty" validate:"omitempty,email,max=255"`
	Phone     string  `json:"phone,omitempty" validate:"omitempty,max=64"`
	Filiere   string  `json:"filiere" validate:"required,max=128"`
	Niveau    string  `json:"niveau" validate:"required,max=128"`
	Address   string  `json:"address,omitempty" validate:"omitempty,max=1024"`
}

// StudentUpdateRequest is a partial update; nil fields are left untouched.
type StudentUpdateRequest struct {
	ID        string  `json:"id"`
	Firstname *string `json:"firstname,omitempty" validate:"omitempty,min=1,max=255"`
	Lastname  *string `json:"lastname,omitempty" validate:"omitempty,min=1,max=255"`
	Email     *string `json:"email,omitempty" validate:"omitempty,email,max=255"`
	Phone     *string `json:"phone,omitempty" validate:"omitempty,max=64"`
	Filiere   *string `json:"filiere,omitempty" validate:"omitempty,min=1,max=128"`
	Niveau    *string `json:"niveau,omitempty" validate:"omitempty,min=1,max=128"`
	Address   *string `json:"address,omitempty" validate:"omitempty,max=1024"`
}

// NewStudent builds the record for a create request. Identifier and timestamp are left to the store.
func (r StudentCreateRequest) NewStudent() models.Student {
	return models.Student{
		Firstname: r.Firstname,
		Lastname:  r.Lastname,
		Email:     r.Email,
		Phone:     r.Phone,
		Filiere:   r.Filiere,
		Niveau:    r.Niveau,
		Address:   r.Address,
	}
}

// ApplyTo merges the supplied fields over the student and reports which ones changed.
func (r StudentUpdateRequest) ApplyTo(student *models.Student) []string {
	changed := make([]string, 0, 7)
	if r.Firstname != nil {
		student.Firstname = *r.Firstname
		changed = append(changed, "firstname")
	}
	if r.Lastname != nil {
		student.Lastname = *r.Lastname
		changed = append(changed, "lastname")
	}
	if r.Email != nil {
		email := *r.Email
		student.Email = &email
		changed = append(changed, "email")
	}
	if r.Phone != nil {
		student.Phone = *r.Phone
		changed = append(changed, "phone")
	}
	if r.Filiere != nil {
		student.Filiere = *r.Filiere
		changed = append(changed, "filiere")
	}
	if r.Niveau != nil {
		student.Niveau = *r.Niveau
		changed = append(changed, "niveau")
	}
	if r.Address != nil {
		student.Address = *r.Address
		changed = append(changed, "address")
	}
	return changed
}

// GradeCreateRequest carries the fields supplied when recording a grade.
type GradeCreateRequest struct {
	StudentID    string          `json:"studentId" validate:"required,max=64"`
	Subject      string          `json:"subject" validate:"required,max=255"`
	Grade        *float64        `json:"grade" validate:"required"`
	Coefficient  *float64        `json:"coefficient,omitempty" validate:"omitempty,gte=0,lte=100"`
	Comment      string          `json:"comment,omitempty" validate:"omitempty,max=2000"`
	ExamDate     *datatypes.Date `json:"examDate,omitempty"`
	Semester     string          `json:"semester,omitempty" validate:"omitempty,max=32"`
	AcademicYear string          `json:"academicYear,omitempty" validate:"omitempty,max=16"`
}

// GradeUpdateRequest is a partial update; nil fields are left untouched.
type GradeUpdateRequest struct {
	ID           models.GradeID  `json:"id"`
	StudentID    *string         `json:"studentId,omitempty" validate:"omitempty,min=1,max=64"`
	Subject      *string         `json:"subject,omitempty" validate:"omitempty,min=1,max=255"`
	Grade        *float64        `json:"grade,omitempty"`
	Coefficient  *float64        `json:"coefficient,omitempty" validate:"omitempty,gte=0,lte=100"`
	Comment      *string         `json:"comment,omitempty" validate:"omitempty,max=2000"`
	ExamDate     *datatypes.Date `json:"examDate,omitempty"`
	Semester     *string         `json:"semester,omitempty" validate:"omitempty,max=32"`
	AcademicYear *string         `json:"academicYear,omitempty" validate:"omitempty,max=16"`
}

// NewGrade builds the record for a create request, defaulting the coefficient.
func (r GradeCreateRequest) NewGrade() models.Grade {
	grade := models.Grade{
		StudentID:    r.StudentID,
		Subject:      r.Subject,
		Coefficient:  models.DefaultCoefficient,
		Comment:      r.Comment,
		ExamDate:     r.ExamDate,
		Semester:     r.Semester,
		AcademicYear: r.AcademicYear,
	}
	if r.Grade != nil {
		grade.Value = *r.Grade
	}
	if r.Coefficient != nil && *r.Coefficient > 0 {
		grade.Coefficient = *r.Coefficient
	}
	return grade
}

// ApplyTo merges the supplied fields over the grade and reports which ones changed.
func (r GradeUpdateRequest) ApplyTo(grade *models.Grade) []string {
	changed := make([]string, 0, 8)
	if r.StudentID != nil {
		grade.StudentID = *r.StudentID
		changed = append(changed, "studentId")
	}
	if r.Subject != nil {
		grade.Subject = *r.Subject
		changed = append(changed, "subject")
	}
	if r.Grade != nil {
		grade.Value = *r.Grade
		changed = append(changed, "grade")
	}
	if r.Coefficient != nil {
		grade.Coefficient = *r.Coefficient
		if grade.Coefficient <= 0 {
			grade.Coefficient = models.DefaultCoefficient
		}
		changed = append(changed, "coefficient")
	}
	if r.Comment != nil {
		grade.Comment = *r.Comment
		changed = append(changed, "comment")
	}
	if r.ExamDate != nil {
		date := *r.ExamDate
		grade.ExamDate = &date
		changed = append(changed, "examDate")
	}
	if r.Semester != nil {
		grade.Semester = *r.Semester
		changed = append(changed, "semester")
	}
	if r.AcademicYear != nil {
		grade.AcademicYear = *r.AcademicYear
		changed = append(changed, "academicYear")
	}
	return changed
}

// DashboardStats aggregates the figures shown on the staff dashboard.
type DashboardStats struct {
	Students    int       `json:"students"`
	Grades      int       `json:"grades"`
	Average     float64   `json:"average"`
	Filieres    []string  `json:"filieres"`
	OnlineUsers int       `json:"onlineUsers"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// NotificationRequest is posted by non-realtime callers to push a notification.
type NotificationRequest struct {
	Type    string `json:"type" validate:"omitempty,oneof=success info warning error"`
	Title   string `json:"title" validate:"omitempty,max=255"`
	Message string `json:"message" validate:"required,min=1,max=2000"`
	Room    string `json:"room,omitempty" validate:"omitempty,max=128"`
}
