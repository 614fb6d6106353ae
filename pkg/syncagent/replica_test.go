package syncagent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

func envelope(t *testing.T, event string, data interface{}) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, data)
	require.NoError(t, err)
	return env
}

func rawEnvelope(event, data string) protocol.Envelope {
	return protocol.Envelope{Event: event, Data: json.RawMessage(data)}
}

func studentIDs(students []protocol.Student) []string {
	ids := make([]string, 0, len(students))
	for _, student := range students {
		ids = append(ids, student.ID)
	}
	return ids
}

func gradeIDs(grades []protocol.Grade) []protocol.GradeID {
	ids := make([]protocol.GradeID, 0, len(grades))
	for _, grade := range grades {
		ids = append(ids, grade.ID)
	}
	return ids
}

func TestReplicaSnapshotReplacesState(t *testing.T) {
	replica := NewReplica()
	require.False(t, replica.Synced())

	replica.Reset(protocol.DataInit{
		Students: []protocol.Student{{ID: "ET001"}, {ID: "ET002"}},
		Grades:   []protocol.Grade{{ID: "1", StudentID: "ET001"}},
	})
	require.True(t, replica.Synced())

	applied, err := replica.Apply(envelope(t, protocol.EventDataInit, protocol.DataInit{
		Students: []protocol.Student{{ID: "ET003"}},
	}))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, []string{"ET003"}, studentIDs(replica.Students()))
	require.Empty(t, replica.Grades())
}

func TestReplicaCreatedEventsAreIdempotent(t *testing.T) {
	replica := NewReplica()
	replica.Reset(protocol.DataInit{})

	created := envelope(t, protocol.EventStudentCreated, protocol.Student{ID: "ET001", Firstname: "Awa"})
	for i := 0; i < 2; i++ {
		_, err := replica.Apply(created)
		require.NoError(t, err)
	}
	require.Len(t, replica.Students(), 1)

	grade := envelope(t, protocol.EventGradeCreated, protocol.Grade{ID: "7", StudentID: "ET001", Value: 14})
	for i := 0; i < 2; i++ {
		_, err := replica.Apply(grade)
		require.NoError(t, err)
	}
	require.Equal(t, []protocol.GradeID{"7"}, gradeIDs(replica.Grades()))
}

func TestReplicaUpdateAndDelete(t *testing.T) {
	replica := NewReplica()
	replica.Reset(protocol.DataInit{
		Students: []protocol.Student{{ID: "ET001", Firstname: "Awa"}, {ID: "ET002"}},
		Grades:   []protocol.Grade{{ID: "1", StudentID: "ET001", Value: 10}, {ID: "2", StudentID: "ET002"}},
	})

	_, err := replica.Apply(envelope(t, protocol.EventStudentUpdated, protocol.Student{ID: "ET001", Firstname: "Aminata"}))
	require.NoError(t, err)
	student, ok := replica.Student("ET001")
	require.True(t, ok)
	require.Equal(t, "Aminata", student.Firstname)

	_, err = replica.Apply(envelope(t, protocol.EventGradeUpdated, protocol.Grade{ID: "1", StudentID: "ET001", Value: 16}))
	require.NoError(t, err)
	grade, ok := replica.Grade("1")
	require.True(t, ok)
	require.Equal(t, 16.0, grade.Value)

	// identifiers arrive bare, as numbers or wrapped in an object
	_, err = replica.Apply(rawEnvelope(protocol.EventStudentDeleted, `{"id":"ET002"}`))
	require.NoError(t, err)
	_, err = replica.Apply(rawEnvelope(protocol.EventGradeDeleted, `2`))
	require.NoError(t, err)

	require.Equal(t, []string{"ET001"}, studentIDs(replica.Students()))
	require.Equal(t, []protocol.GradeID{"1"}, gradeIDs(replica.Grades()))
}

func TestReplicaIgnoresUnrelatedEvents(t *testing.T) {
	replica := NewReplica()
	applied, err := replica.Apply(envelope(t, protocol.EventNotification, protocol.Notification{Message: "hello"}))
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = replica.Apply(rawEnvelope(protocol.EventStudentCreated, `"oops"`))
	require.Error(t, err)
	require.True(t, applied)
	require.Empty(t, replica.Students())
}

func TestReplicaPatchAndCopies(t *testing.T) {
	replica := NewReplica()
	replica.Reset(protocol.DataInit{Students: []protocol.Student{{ID: "ET001", Firstname: "Awa"}}})

	name := "Fatou"
	require.True(t, replica.patchStudent(protocol.StudentUpdate{ID: "ET001", Firstname: &name}))
	require.False(t, replica.patchStudent(protocol.StudentUpdate{ID: "ET404", Firstname: &name}))

	students := replica.Students()
	students[0].Firstname = "mutated"
	student, _ := replica.Student("ET001")
	require.Equal(t, "Fatou", student.Firstname)

	encoded, err := json.Marshal(replica)
	require.NoError(t, err)
	var snapshot protocol.DataInit
	require.NoError(t, json.Unmarshal(encoded, &snapshot))
	require.Equal(t, []string{"ET001"}, studentIDs(snapshot.Students))

	replica.Clear()
	require.False(t, replica.Synced())
	require.Empty(t, replica.Students())
}
