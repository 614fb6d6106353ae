package store

import (
	"context"
	"sort"
	"time"

	"github.com/noah-isme/gradesync-api/internal/dto"
)

// ComputeDashboard derives the dashboard figures from a snapshot of the store.
// sessions is supplied by the session registry.
func ComputeDashboard(ctx context.Context, records Store, sessions int, now time.Time) (dto.DashboardStats, error) {
	snapshot, err := records.Snapshot(ctx)
	if err != nil {
		return dto.DashboardStats{}, err
	}

	seen := make(map[string]struct{}, len(snapshot.Students))
	filieres := make([]string, 0)
	for _, student := range snapshot.Students {
		if student.Filiere == "" {
			continue
		}
		if _, ok := seen[student.Filiere]; ok {
			continue
		}
		seen[student.Filiere] = struct{}{}
		filieres = append(filieres, student.Filiere)
	}
	sort.Strings(filieres)

	return dto.DashboardStats{
		Students:    len(snapshot.Students),
		Grades:      len(snapshot.Grades),
		Average:     Mean(snapshot.Grades),
		Filieres:    filieres,
		OnlineUsers: sessions,
		LastUpdate:  now.UTC(),
	}, nil
}
