package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gradesync-api/internal/handler"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/internal/store"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

const (
	testSecret  = "handler-secret"
	waitTimeout = 2 * time.Second
)

type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
	Message string          `json:"message"`
}

func newRecords() service.RecordService {
	return service.NewRecordService(store.NewMemoryStore(store.MemoryOptions{ValidateGrades: true}), service.NewValidator(), zerolog.Nop())
}

func startHub(t *testing.T, records service.RecordService) *realtime.Hub {
	t.Helper()
	hub, err := realtime.NewHub(realtime.Options{
		Records:       records,
		Authenticator: realtime.JWTAuthenticator{Secret: testSecret},
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func newRecordApp(t *testing.T) (*fiber.App, *realtime.Hub) {
	t.Helper()
	records := newRecords()
	hub := startHub(t, records)

	h := handler.NewRecordHandler(hub, records, nil, zerolog.Nop())
	app := fiber.New()
	api := app.Group("/api")
	h.RegisterStudents(api.Group("/students"))
	h.RegisterGrades(api.Group("/grades"))
	api.Get("/stats/dashboard", h.Dashboard)
	api.Post("/notifications", h.Notify)
	return app, hub
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, envelopeResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, int(waitTimeout.Milliseconds()))
	require.NoError(t, err)

	var decoded envelopeResponse
	decodeResponse(t, resp, &decoded)
	return resp, decoded
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func listen(t *testing.T, hub *realtime.Hub) *realtime.Session {
	t.Helper()
	session, err := hub.Connect(context.Background(), realtime.TransportPolling)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Disconnect(session, realtime.ReasonClientDisconnect) })
	awaitEvent(t, session, protocol.EventDataInit)
	return session
}

func awaitEvent(t *testing.T, session *realtime.Session, event string) protocol.Envelope {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case envelope := <-session.Outbox():
			if envelope.Event == event {
				return envelope
			}
		case <-deadline:
			t.Fatalf("session %s never received %s", session.ID(), event)
			return protocol.Envelope{}
		}
	}
}

func TestRecordHandler_CreateStudentBroadcasts(t *testing.T) {
	app, hub := newRecordApp(t)
	listener := listen(t, hub)

	resp, body := doJSON(t, app, http.MethodPost, "/api/students", map[string]string{
		"firstname": "Awa",
		"lastname":  "Diop",
		"filiere":   "Informatique",
		"niveau":    "L2",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.True(t, body.Success)

	var student models.Student
	require.NoError(t, json.Unmarshal(body.Data, &student))
	require.Equal(t, "ET001", student.ID)

	created := awaitEvent(t, listener, protocol.EventStudentCreated)
	var broadcast models.Student
	require.NoError(t, created.Decode(&broadcast))
	require.Equal(t, student.ID, broadcast.ID)
	awaitEvent(t, listener, protocol.EventNotification)

	resp, body = doJSON(t, app, http.MethodGet, "/api/students", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"count":1}`, string(body.Meta))
}

func TestRecordHandler_RejectsInvalidStudent(t *testing.T) {
	app, _ := newRecordApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/students", map[string]string{"firstname": "Awa"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.False(t, body.Success)
	require.NotEmpty(t, body.Details)

	req := httptest.NewRequest(http.MethodPost, "/api/students", bytes.NewReader([]byte("{oops")))
	req.Header.Set("Content-Type", "application/json")
	raw, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, raw.StatusCode)
}

func TestRecordHandler_UpdateMissingStudent(t *testing.T) {
	app, _ := newRecordApp(t)

	resp, body := doJSON(t, app, http.MethodPut, "/api/students/ET404", map[string]string{"firstname": "Nobody"})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.False(t, body.Success)
}

func TestRecordHandler_GradeLifecycle(t *testing.T) {
	app, hub := newRecordApp(t)
	listener := listen(t, hub)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/students", map[string]string{
		"firstname": "Moussa", "lastname": "Ba", "filiere": "Maths", "niveau": "L1",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodPost, "/api/grades", map[string]interface{}{
		"studentId": "ET001", "subject": "Algèbre", "grade": 25,
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `{"field":"grade","reason":"must be between 0 and 20"}`, string(body.Details))

	for _, value := range []float64{12, 15} {
		resp, _ = doJSON(t, app, http.MethodPost, "/api/grades", map[string]interface{}{
			"studentId": "ET001", "subject": "Algèbre", "grade": value,
		})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	average := awaitEvent(t, listener, protocol.EventAverageUpdated)
	var first protocol.AverageUpdated
	require.NoError(t, average.Decode(&first))
	require.Equal(t, 12.0, first.Average)

	resp, body = doJSON(t, app, http.MethodGet, "/api/students/ET001/average", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var current protocol.AverageUpdated
	require.NoError(t, json.Unmarshal(body.Data, &current))
	require.Equal(t, 13.5, current.Average)

	resp, body = doJSON(t, app, http.MethodPut, "/api/grades/1", map[string]interface{}{"grade": 18})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var updated models.Grade
	require.NoError(t, json.Unmarshal(body.Data, &updated))
	require.Equal(t, 18.0, updated.Value)

	resp, _ = doJSON(t, app, http.MethodDelete, "/api/grades/2", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	deleted := awaitEvent(t, listener, protocol.EventGradeDeleted)
	id, err := protocol.DecodeID(deleted.Data)
	require.NoError(t, err)
	require.Equal(t, "2", id)

	resp, body = doJSON(t, app, http.MethodGet, "/api/grades?studentId=ET001", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"count":1}`, string(body.Meta))

	resp, _ = doJSON(t, app, http.MethodDelete, "/api/grades/2", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestRecordHandler_NotifyAndDashboard(t *testing.T) {
	app, hub := newRecordApp(t)
	listener := listen(t, hub)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/notifications", map[string]string{"type": "urgent", "message": "x"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodPost, "/api/notifications", map[string]string{"title": "Info", "message": "Réunion à 10h"})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.True(t, body.Success)

	envelope := awaitEvent(t, listener, protocol.EventNotification)
	var notification protocol.Notification
	require.NoError(t, envelope.Decode(&notification))
	require.Equal(t, protocol.NotificationInfo, notification.Type)
	require.Equal(t, "Réunion à 10h", notification.Message)

	resp, body = doJSON(t, app, http.MethodGet, "/api/stats/dashboard", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var stats struct {
		Students    int `json:"students"`
		OnlineUsers int `json:"onlineUsers"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	require.Equal(t, 0, stats.Students)
	require.Equal(t, 1, stats.OnlineUsers)
}
