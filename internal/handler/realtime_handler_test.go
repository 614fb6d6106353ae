package handler_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gradesync-api/internal/dto"
	"github.com/noah-isme/gradesync-api/internal/handler"
	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
	"github.com/noah-isme/gradesync-api/pkg/syncagent"
)

var studentIDPattern = regexp.MustCompile(`^ET\d{3}$`)

type liveServer struct {
	baseURL string
	hub     *realtime.Hub
	records service.RecordService
}

func startLiveServer(t *testing.T) liveServer {
	t.Helper()
	records := newRecords()
	hub := startHub(t, records)

	app := fiber.New()
	handler.NewRealtimeHandler(hub, handler.RealtimeOptions{
		PingInterval: time.Second,
		PingTimeout:  3 * time.Second,
		PollTimeout:  200 * time.Millisecond,
	}, zerolog.Nop()).Register(app.Group("/realtime"))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()
	t.Cleanup(func() {
		_ = app.ShutdownWithTimeout(time.Second)
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})

	return liveServer{baseURL: "http://" + listener.Addr().String(), hub: hub, records: records}
}

func agentOptions() syncagent.Options {
	return syncagent.Options{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxAttempts:     20,
		Logger:          zerolog.Nop(),
	}
}

func connectAgent(t *testing.T, transport syncagent.Transport) *syncagent.Agent {
	t.Helper()
	agent := syncagent.New(transport, agentOptions())
	t.Cleanup(agent.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Connect(ctx))
	return agent
}

func serverAgent(t *testing.T, server liveServer) *syncagent.Agent {
	t.Helper()
	transport, err := syncagent.NewServerTransport(server.baseURL, zerolog.Nop())
	require.NoError(t, err)
	return connectAgent(t, transport)
}

func pollingAgent(t *testing.T, server liveServer) *syncagent.Agent {
	t.Helper()
	return connectAgent(t, &syncagent.PollingTransport{URL: server.baseURL + "/realtime/polling"})
}

func replicaStudentIDs(agent *syncagent.Agent) []string {
	students := agent.Replica().Students()
	ids := make([]string, 0, len(students))
	for _, student := range students {
		ids = append(ids, student.ID)
	}
	sort.Strings(ids)
	return ids
}

func serverStudentIDs(t *testing.T, records service.RecordService) []string {
	t.Helper()
	students, err := records.ListStudents(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(students))
	for _, student := range students {
		ids = append(ids, student.ID)
	}
	sort.Strings(ids)
	return ids
}

func newStudent(firstname string) dto.StudentCreateRequest {
	return dto.StudentCreateRequest{Firstname: firstname, Lastname: "Sow", Filiere: "Informatique", Niveau: "L3"}
}

func TestRealtime_AgentsConvergeOverWebSocket(t *testing.T) {
	server := startLiveServer(t)
	alice := serverAgent(t, server)
	bob := serverAgent(t, server)

	require.Equal(t, "websocket", alice.Status().Transport)
	before := len(bob.Replica().Students())

	require.NoError(t, alice.CreateStudent(context.Background(), newStudent("Khady")))

	require.Eventually(t, func() bool {
		return len(bob.Replica().Students()) == before+1 && len(alice.Replica().Students()) == before+1
	}, waitTimeout, 5*time.Millisecond)

	created := bob.Replica().Students()[before]
	require.Regexp(t, studentIDPattern, created.ID)
	require.Equal(t, "Khady", created.Firstname)

	// the originator's echo never duplicates the record
	time.Sleep(50 * time.Millisecond)
	require.Len(t, alice.Replica().Students(), before+1)

	require.NoError(t, bob.CreateGrade(context.Background(), dto.GradeCreateRequest{
		StudentID: created.ID,
		Subject:   "Réseaux",
		Grade:     floatPtr(14),
	}))
	require.Eventually(t, func() bool {
		return len(alice.Replica().Grades()) == 1
	}, waitTimeout, 5*time.Millisecond)
	require.Equal(t, models.GradeID("1"), alice.Replica().Grades()[0].ID)
}

func TestRealtime_ReconnectResyncsReplica(t *testing.T) {
	server := startLiveServer(t)
	agent := serverAgent(t, server)
	first := agent.Status().SessionID
	require.NotEmpty(t, first)

	session, ok := server.hub.Session(first)
	require.True(t, ok)
	server.hub.Disconnect(session, realtime.ReasonServerShutdown)

	_, err := server.hub.Submit(context.Background(), protocol.EventStudentCreate, newStudent("Ousmane"))
	require.NoError(t, err)
	_, err = server.hub.Submit(context.Background(), protocol.EventStudentCreate, newStudent("Binta"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := agent.Status()
		return status.SessionID != "" && status.SessionID != first && len(agent.Replica().Students()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, serverStudentIDs(t, server.records), replicaStudentIDs(agent))
}

func TestRealtime_PollingFallbackParticipates(t *testing.T) {
	server := startLiveServer(t)
	poller := pollingAgent(t, server)
	socket := serverAgent(t, server)

	require.Equal(t, "polling", poller.Status().Transport)

	require.NoError(t, poller.CreateStudent(context.Background(), newStudent("Mariama")))
	require.Eventually(t, func() bool {
		return len(socket.Replica().Students()) == 1 && len(poller.Replica().Students()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	id := socket.Replica().Students()[0].ID
	require.NoError(t, socket.DeleteStudent(context.Background(), id))
	require.Eventually(t, func() bool {
		return len(poller.Replica().Students()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	sessions := server.hub.SessionCount()
	poller.Disconnect()
	require.Eventually(t, func() bool {
		return server.hub.SessionCount() == sessions-1
	}, waitTimeout, 10*time.Millisecond)
}

func TestRealtime_UnknownPollingSession(t *testing.T) {
	server := startLiveServer(t)

	resp, err := http.Get(server.baseURL + "/realtime/polling/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	plain, err := http.Get(server.baseURL + "/realtime/ws")
	require.NoError(t, err)
	defer plain.Body.Close()
	require.Equal(t, http.StatusUpgradeRequired, plain.StatusCode)
}

func floatPtr(value float64) *float64 {
	return &value
}
