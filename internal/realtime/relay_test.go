package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gradesync-api/internal/models"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

func newRedisRelay(t *testing.T, server *miniredis.Miniredis) *Relay {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	relay := NewRelay(RelayOptions{Redis: client, Channel: "gradesync:test", Logger: zerolog.Nop()})
	require.NotNil(t, relay)
	return relay
}

func waitReady(t *testing.T, relay *Relay) {
	t.Helper()
	select {
	case <-relay.Ready():
	case <-time.After(waitTimeout):
		t.Fatal("relay subscription not ready")
	}
}

func TestNewRelayWithoutBackends(t *testing.T) {
	require.Nil(t, NewRelay(RelayOptions{Channel: "gradesync"}))
}

func TestRelayFansOutAcrossHubs(t *testing.T) {
	server := miniredis.RunT(t)
	// both nodes share the authoritative store, as they would with the relational variant
	records := newTestRecords()

	relayA := newRedisRelay(t, server)
	relayB := newRedisRelay(t, server)
	hubA := startHub(t, Options{Records: records, Relay: relayA})
	hubB := startHub(t, Options{Records: records, Relay: relayB})
	require.NotEqual(t, hubA.NodeID(), hubB.NodeID())
	waitReady(t, relayA)
	waitReady(t, relayB)

	a := connect(t, hubA)
	b := connect(t, hubB)

	send(t, hubA, a, protocol.EventStudentCreate, map[string]string{
		"firstname": "Jean", "lastname": "Dupont", "filiere": "Info", "niveau": "L1",
	})

	var local models.Student
	require.NoError(t, expectEvent(t, a, protocol.EventStudentCreated).Decode(&local))

	var remote models.Student
	require.NoError(t, skipUntil(t, b, protocol.EventStudentCreated).Decode(&remote))
	require.Equal(t, local.ID, remote.ID)

	// the notification excludes only the originator, so the remote node shows it
	skipUntil(t, b, protocol.EventNotification)

	// the originating node ignores its own relayed copy
	expectQuiet(t, hubA, a)
}

func TestRelayRoomAudienceSurvivesTransit(t *testing.T) {
	server := miniredis.RunT(t)
	records := newTestRecords()

	relayA := newRedisRelay(t, server)
	relayB := newRedisRelay(t, server)
	hubA := startHub(t, Options{Records: records, Relay: relayA})
	hubB := startHub(t, Options{Records: records, Relay: relayB})
	waitReady(t, relayA)
	waitReady(t, relayB)

	member := connect(t, hubB)
	outsider := connect(t, hubB)
	expectEvent(t, member, protocol.EventUserJoined)
	send(t, hubB, member, protocol.EventJoinRoom, "L1")
	expectQuiet(t, hubB, member)

	notification := protocol.Notification{Type: protocol.NotificationInfo, Title: "L1", Message: "Cours annulé", Timestamp: time.Now().UTC()}
	require.NoError(t, hubA.Publish(context.Background(), protocol.EventNotification, notification, Room("L1")))

	var received protocol.Notification
	require.NoError(t, expectEvent(t, member, protocol.EventNotification).Decode(&received))
	require.Equal(t, "Cours annulé", received.Message)
	expectQuiet(t, hubB, outsider)
}

func TestRelayDropsDuplicateDeliveries(t *testing.T) {
	relay := &Relay{nodeID: "self", seen: make(map[string]struct{})}
	calls := 0
	deliver := func(protocol.Envelope, Audience) { calls++ }

	payload := []byte(`{"id":"m-1","source":"peer","event":"student:deleted","data":"ET001","audience":"all"}`)
	relay.handleMessage(payload, deliver)
	relay.handleMessage(payload, deliver)
	relay.handleMessage([]byte(`{"id":"m-2","source":"self","event":"student:deleted","data":"ET001","audience":"all"}`), deliver)

	require.Equal(t, 1, calls)
}
