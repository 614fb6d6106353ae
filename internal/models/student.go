package models

import "time"

// StudentIDPrefix prefixes sequence-based student identifiers.
const StudentIDPrefix = "ET"

// Student represents a registered learner.
type Student struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Lastname  string    `gorm:"size:255;not null" json:"lastname"`
	Firstname string    `gorm:"size:255;not null" json:"firstname"`
	Email     *string   `gorm:"size:255;uniqueIndex" json:"email,omitempty"`
	Phone     string    `gorm:"size:64" json:"phone"`
	Filiere   string    `gorm:"size:128;not null;index" json:"filiere"`
	Niveau    string    `gorm:"size:128;not null" json:"niveau"`
	Address   string    `gorm:"type:text" json:"address"`
	DateAdded time.Time `gorm:"column:date_added;not null" json:"dateadded"`
	UpdatedAt time.Time `json:"-"`
}

// FullName returns the display name used in notifications.
func (s Student) FullName() string {
	switch {
	case s.Firstname == "":
		return s.Lastname
	case s.Lastname == "":
		return s.Firstname
	default:
		return s.Firstname + " " + s.Lastname
	}
}
