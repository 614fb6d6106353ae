package protocol

import (
	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
)

// Record and request payloads carried by record events. They are aliases so
// clients outside this module can build and read them.
type (
	Student = models.Student
	Grade   = models.Grade
	GradeID = models.GradeID

	StudentCreate = dto.StudentCreateRequest
	StudentUpdate = dto.StudentUpdateRequest
	GradeCreate   = dto.GradeCreateRequest
	GradeUpdate   = dto.GradeUpdateRequest
)
