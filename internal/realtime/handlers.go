package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/middleware"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/internal/store"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// dispatcher holds the dependencies of the event handlers. Handlers only
// read from it; everything they change goes through the record service or
// the originating session.
type dispatcher struct {
	records     service.RecordService
	auth        Authenticator
	requireAuth bool
	now         func() time.Time
	sessions    func() int
	logger      zerolog.Logger
}

func (d *dispatcher) table() map[string]Handler {
	return map[string]Handler{
		protocol.EventAuthenticate:  d.authenticate,
		protocol.EventStudentCreate: d.staffOnly(d.createStudent),
		protocol.EventStudentUpdate: d.staffOnly(d.updateStudent),
		protocol.EventStudentDelete: d.staffOnly(d.deleteStudent),
		protocol.EventGradeCreate:   d.staffOnly(d.createGrade),
		protocol.EventGradeUpdate:   d.staffOnly(d.updateGrade),
		protocol.EventGradeDelete:   d.staffOnly(d.deleteGrade),
		protocol.EventJoinRoom:      d.joinRoom,
		protocol.EventLeaveRoom:     d.leaveRoom,
		protocol.EventPing:          d.ping,
	}
}

// staffOnly rejects mutations from sessions lacking a staff role when
// authentication is enforced. HTTP submissions are guarded by the router.
func (d *dispatcher) staffOnly(next Handler) Handler {
	return func(ctx context.Context, session *Session, data json.RawMessage) (Outcome, error) {
		if d.requireAuth && session != nil {
			_, role := session.User()
			if !middleware.IsStaffRole(role) {
				return Outcome{}, ErrForbidden
			}
		}
		return next(ctx, session, data)
	}
}

func (d *dispatcher) notify(kind, title, message string) Emission {
	return Emission{
		Event:    protocol.EventNotification,
		Audience: Others,
		Data: protocol.Notification{
			Type:      kind,
			Title:     title,
			Message:   message,
			Timestamp: d.now().UTC(),
		},
	}
}

func decodePayload(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (d *dispatcher) authenticate(ctx context.Context, session *Session, data json.RawMessage) (Outcome, error) {
	if session == nil {
		return Outcome{}, fmt.Errorf("%w: authenticate requires a realtime session", ErrInvalidPayload)
	}
	if d.auth == nil {
		return Outcome{}, fmt.Errorf("%w: no authenticator configured", ErrAuthentication)
	}

	token, err := protocol.DecodeText(data, "token")
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	user, err := d.auth.Authenticate(ctx, token)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	session.setUser(user.ID, user.Role)

	return Outcome{
		Result: user,
		Emissions: []Emission{
			{Event: protocol.EventAuthenticated, Audience: Originator, Local: true, Data: protocol.Authenticated{Success: true, User: user}},
			{Event: protocol.EventUsersCount, Audience: All, Local: true, Data: d.sessions()},
		},
	}, nil
}

func (d *dispatcher) createStudent(ctx context.Context, _ *Session, data json.RawMessage) (Outcome, error) {
	var req dto.StudentCreateRequest
	if err := decodePayload(data, &req); err != nil {
		return Outcome{}, err
	}

	student, err := d.records.CreateStudent(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: student,
		Emissions: []Emission{
			{Event: protocol.EventStudentCreated, Audience: All, Data: student},
			d.notify(protocol.NotificationSuccess, "Nouvel étudiant", fmt.Sprintf("%s a été ajouté", student.FullName())),
		},
	}, nil
}

func (d *dispatcher) updateStudent(ctx context.Context, _ *Session, data json.RawMessage) (Outcome, error) {
	var req dto.StudentUpdateRequest
	if err := decodePayload(data, &req); err != nil {
		return Outcome{}, err
	}

	student, err := d.records.UpdateStudent(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: student,
		Emissions: []Emission{
			{Event: protocol.EventStudentUpdated, Audience: All, Data: student},
			d.notify(protocol.NotificationInfo, "Étudiant modifié", fmt.Sprintf("%s a été mis à jour", student.FullName())),
		},
	}, nil
}

func (d *dispatcher) deleteStudent(ctx context.Context, _ *Session, data json.RawMessage) (Outcome, error) {
	id, err := protocol.DecodeID(data)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	deleted, err := d.records.DeleteStudent(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: deleted,
		Emissions: []Emission{
			{Event: protocol.EventStudentDeleted, Audience: All, Data: deleted},
			d.notify(protocol.NotificationInfo, "Étudiant supprimé", fmt.Sprintf("L'étudiant %s a été supprimé", deleted)),
		},
	}, nil
}

func (d *dispatcher) createGrade(ctx context.Context, _ *Session, data json.RawMessage) (Outcome, error) {
	var req dto.GradeCreateRequest
	if err := decodePayload(data, &req); err != nil {
		return Outcome{}, err
	}

	grade, err := d.records.CreateGrade(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	emissions := []Emission{{Event: protocol.EventGradeCreated, Audience: All, Data: grade}}

	// the grade is stored at this point, so a failed average must not hide it
	if average, err := d.records.StudentAverage(ctx, grade.StudentID); err != nil {
		d.logger.Warn().Err(err).Str("student_id", grade.StudentID).Msg("failed to recompute student average")
	} else {
		emissions = append(emissions, Emission{
			Event:    protocol.EventAverageUpdated,
			Audience: All,
			Data:     protocol.AverageUpdated{StudentID: grade.StudentID, Average: average},
		})
	}

	emissions = append(emissions, d.notify(protocol.NotificationSuccess, "Nouvelle note",
		fmt.Sprintf("Note de %g/20 ajoutée en %s", grade.Value, grade.Subject)))

	return Outcome{Result: grade, Emissions: emissions}, nil
}

func (d *dispatcher) updateGrade(ctx context.Context, _ *Session, data json.RawMessage) (Outcome, error) {
	var req dto.GradeUpdateRequest
	if err := decodePayload(data, &req); err != nil {
		return Outcome{}, err
	}

	grade, err := d.records.UpdateGrade(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: grade,
		Emissions: []Emission{
			{Event: protocol.EventGradeUpdated, Audience: All, Data: grade},
			d.notify(protocol.NotificationInfo, "Note modifiée", fmt.Sprintf("La note de %s a été mise à jour", grade.Subject)),
		},
	}, nil
}

func (d *dispatcher) deleteGrade(ctx context.Context, _ *Session, data json.RawMessage) (Outcome, error) {
	id, err := protocol.DecodeID(data)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	deleted, err := d.records.DeleteGrade(ctx, models.GradeID(id))
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Result: deleted,
		Emissions: []Emission{
			{Event: protocol.EventGradeDeleted, Audience: All, Data: deleted},
			d.notify(protocol.NotificationInfo, "Note supprimée", fmt.Sprintf("La note %s a été supprimée", deleted)),
		},
	}, nil
}

func decodeRoom(data json.RawMessage) (string, error) {
	room, err := protocol.DecodeText(data, "room")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return "", store.NewValidationError("room", "is required")
	}
	return room, nil
}

func (d *dispatcher) joinRoom(_ context.Context, session *Session, data json.RawMessage) (Outcome, error) {
	if session == nil {
		return Outcome{}, errors.New("rooms require a realtime session")
	}
	room, err := decodeRoom(data)
	if err != nil {
		return Outcome{}, err
	}
	session.join(room)
	return Outcome{Result: room}, nil
}

func (d *dispatcher) leaveRoom(_ context.Context, session *Session, data json.RawMessage) (Outcome, error) {
	if session == nil {
		return Outcome{}, errors.New("rooms require a realtime session")
	}
	room, err := decodeRoom(data)
	if err != nil {
		return Outcome{}, err
	}
	session.leave(room)
	return Outcome{Result: room}, nil
}

func (d *dispatcher) ping(_ context.Context, _ *Session, _ json.RawMessage) (Outcome, error) {
	pong := protocol.Pong{Timestamp: d.now().UTC()}
	return Outcome{
		Result:    pong,
		Emissions: []Emission{{Event: protocol.EventPong, Audience: Originator, Local: true, Data: pong}},
	}, nil
}
