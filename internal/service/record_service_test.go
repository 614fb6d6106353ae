package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/store"
)

func newRecordServiceForTest() RecordService {
	records := store.NewMemoryStore(store.MemoryOptions{ValidateGrades: true})
	return NewRecordService(records, NewValidator(), zerolog.Nop())
}

func TestRecordServiceCreateStudentRequiresNames(t *testing.T) {
	svc := newRecordServiceForTest()

	_, err := svc.CreateStudent(context.Background(), dto.StudentCreateRequest{Lastname: "Dupont", Filiere: "Info", Niveau: "L1"})
	require.ErrorIs(t, err, store.ErrValidation)

	var validationErr *store.ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Equal(t, "firstname", validationErr.Field)

	students, err := svc.ListStudents(context.Background())
	require.NoError(t, err)
	require.Empty(t, students)
}

func TestRecordServiceStripsMarkup(t *testing.T) {
	svc := newRecordServiceForTest()

	student, err := svc.CreateStudent(context.Background(), dto.StudentCreateRequest{
		Firstname: "<b>Jean</b>",
		Lastname:  "N'Diaye",
		Filiere:   "Info",
		Niveau:    "L1",
		Address:   "<script>alert(1)</script>Tana",
	})
	require.NoError(t, err)
	require.Equal(t, "Jean", student.Firstname)
	require.Equal(t, "N'Diaye", student.Lastname)
	require.Equal(t, "Tana", student.Address)
	require.Equal(t, "ET001", student.ID)
}

func TestRecordServiceRejectsMarkupOnlyNames(t *testing.T) {
	svc := newRecordServiceForTest()

	_, err := svc.CreateStudent(context.Background(), dto.StudentCreateRequest{
		Firstname: "<i></i>", Lastname: "Dupont", Filiere: "Info", Niveau: "L1",
	})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestRecordServiceRejectsInvalidEmail(t *testing.T) {
	svc := newRecordServiceForTest()
	bad := "not-an-email"

	_, err := svc.CreateStudent(context.Background(), dto.StudentCreateRequest{
		Firstname: "Jean", Lastname: "Dupont", Email: &bad, Filiere: "Info", Niveau: "L1",
	})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestRecordServiceGradeFlow(t *testing.T) {
	svc := newRecordServiceForTest()
	ctx := context.Background()

	_, err := svc.CreateGrade(ctx, dto.GradeCreateRequest{StudentID: "ET001", Subject: "Maths"})
	require.ErrorIs(t, err, store.ErrValidation, "grade value is required")

	for _, value := range []float64{15, 9} {
		v := value
		_, err := svc.CreateGrade(ctx, dto.GradeCreateRequest{StudentID: "ET001", Subject: "Maths", Grade: &v})
		require.NoError(t, err)
	}

	average, err := svc.StudentAverage(ctx, "ET001")
	require.NoError(t, err)
	require.Equal(t, 12.0, average)

	comment := "<p>bien</p>"
	updated, err := svc.UpdateGrade(ctx, dto.GradeUpdateRequest{ID: models.GradeID("1"), Comment: &comment})
	require.NoError(t, err)
	require.Equal(t, "bien", updated.Comment)

	_, err = svc.UpdateGrade(ctx, dto.GradeUpdateRequest{Comment: &comment})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.DeleteGrade(ctx, "")
	require.ErrorIs(t, err, store.ErrValidation)

	stats, err := svc.Dashboard(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Grades)
	require.Equal(t, 12.0, stats.Average)
	require.Equal(t, 2, stats.OnlineUsers)
}

func TestRecordServiceUpdateUnknownStudent(t *testing.T) {
	svc := newRecordServiceForTest()
	niveau := "L3"

	_, err := svc.UpdateStudent(context.Background(), dto.StudentUpdateRequest{ID: "ET042", Niveau: &niveau})
	require.ErrorIs(t, err, store.ErrNotFound)
}
