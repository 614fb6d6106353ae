package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// DefaultCoefficient applies when a grade is recorded without a weight.
const DefaultCoefficient = 1.0

// GradeID identifies a grade. Sequence-based ids travel as JSON numbers,
// generated tokens as JSON strings; both forms are accepted on input.
type GradeID string

// MarshalJSON renders numeric identifiers as numbers.
func (id GradeID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseUint(string(id), 10, 64); err == nil {
		return []byte(strconv.FormatUint(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (id *GradeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*id = GradeID(value)
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*id = GradeID(number.String())
	return nil
}

// String implements fmt.Stringer.
func (id GradeID) String() string {
	return string(id)
}

// Grade is a mark obtained by a student in a subject.
type Grade struct {
	ID           GradeID         `gorm:"primaryKey;size:64" json:"id"`
	StudentID    string          `gorm:"size:64;index;not null" json:"studentId"`
	Subject      string          `gorm:"size:255;index;not null" json:"subject"`
	Value        float64         `gorm:"column:grade;not null" json:"grade"`
	Coefficient  float64         `gorm:"not null;default:1" json:"coefficient"`
	Comment      string          `gorm:"type:text" json:"comment,omitempty"`
	ExamDate     *datatypes.Date `json:"examDate,omitempty"`
	Semester     string          `gorm:"size:32" json:"semester,omitempty"`
	AcademicYear string          `gorm:"size:16" json:"academicYear,omitempty"`
	CreatedAt    time.Time       `json:"-"`
	UpdatedAt    time.Time       `json:"-"`
}
