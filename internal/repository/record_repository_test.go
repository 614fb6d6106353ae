package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/store"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func email(v string) *string { return &v }

func TestRecordRepositoryStudentLifecycle(t *testing.T) {
	repo := NewRecordRepository(setupTestDB(t))
	ctx := context.Background()

	created, err := repo.CreateStudent(ctx, dto.StudentCreateRequest{
		Firstname: "Jean", Lastname: "Dupont", Email: email("jean@example.com"), Filiere: "Info", Niveau: "L1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.DateAdded.IsZero())

	niveau := "L2"
	updated, err := repo.UpdateStudent(ctx, created.ID, dto.StudentUpdateRequest{Niveau: &niveau})
	require.NoError(t, err)
	require.Equal(t, "L2", updated.Niveau)
	require.Equal(t, "Jean", updated.Firstname)

	_, err = repo.UpdateStudent(ctx, "missing", dto.StudentUpdateRequest{Niveau: &niveau})
	require.ErrorIs(t, err, store.ErrNotFound)

	students, err := repo.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 1)

	deleted, err := repo.DeleteStudent(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, deleted)

	_, err = repo.DeleteStudent(ctx, created.ID)
	require.NoError(t, err)

	students, err = repo.ListStudents(ctx)
	require.NoError(t, err)
	require.Empty(t, students)
}

func TestRecordRepositoryRejectsDuplicateEmail(t *testing.T) {
	repo := NewRecordRepository(setupTestDB(t))
	ctx := context.Background()

	req := dto.StudentCreateRequest{Firstname: "Jean", Lastname: "Dupont", Email: email("dup@example.com"), Filiere: "Info", Niveau: "L1"}
	_, err := repo.CreateStudent(ctx, req)
	require.NoError(t, err)

	_, err = repo.CreateStudent(ctx, req)
	require.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestRecordRepositoryGradesAndAverage(t *testing.T) {
	repo := NewRecordRepository(setupTestDB(t))
	ctx := context.Background()

	for _, value := range []float64{15, 9} {
		v := value
		grade, err := repo.CreateGrade(ctx, dto.GradeCreateRequest{StudentID: "s-1", Subject: "Maths", Grade: &v})
		require.NoError(t, err)
		require.Equal(t, models.DefaultCoefficient, grade.Coefficient)
	}

	average, count, err := repo.StudentAverage(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, 12.0, average)
	require.Equal(t, 2, count)

	outOfRange := 21.0
	_, err = repo.CreateGrade(ctx, dto.GradeCreateRequest{StudentID: "s-1", Subject: "Maths", Grade: &outOfRange})
	require.ErrorIs(t, err, store.ErrValidation)

	snapshot, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Grades, 2)
	require.Empty(t, snapshot.Students)

	target := snapshot.Grades[0]
	comment := "rattrapage"
	updated, err := repo.UpdateGrade(ctx, target.ID, dto.GradeUpdateRequest{Comment: &comment})
	require.NoError(t, err)
	require.Equal(t, "rattrapage", updated.Comment)
	require.Equal(t, target.Value, updated.Value)

	_, err = repo.UpdateGrade(ctx, target.ID, dto.GradeUpdateRequest{Grade: &outOfRange})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = repo.DeleteGrade(ctx, target.ID)
	require.NoError(t, err)

	grades, err := repo.ListGrades(ctx)
	require.NoError(t, err)
	require.Len(t, grades, 1)
}
