package syncagent

import (
	"encoding/json"
	"sync"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// Replica is the agent's derived copy of the record store. It is rebuilt
// from every data:init snapshot and kept current by record events.
type Replica struct {
	mu       sync.RWMutex
	students []protocol.Student
	grades   []protocol.Grade
	synced   bool
}

// NewReplica returns an empty, unsynchronized replica.
func NewReplica() *Replica {
	return &Replica{}
}

// Synced reports whether a snapshot has been applied since the last Clear.
func (r *Replica) Synced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synced
}

// Reset replaces the whole replica with snapshot. Previous state is never merged.
func (r *Replica) Reset(snapshot protocol.DataInit) {
	students := make([]protocol.Student, len(snapshot.Students))
	copy(students, snapshot.Students)
	grades := make([]protocol.Grade, len(snapshot.Grades))
	copy(grades, snapshot.Grades)

	r.mu.Lock()
	r.students = students
	r.grades = grades
	r.synced = true
	r.mu.Unlock()
}

// Clear drops every record.
func (r *Replica) Clear() {
	r.mu.Lock()
	r.students = nil
	r.grades = nil
	r.synced = false
	r.mu.Unlock()
}

// Students returns a copy of the replicated students.
func (r *Replica) Students() []protocol.Student {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Student, len(r.students))
	copy(out, r.students)
	return out
}

// Grades returns a copy of the replicated grades.
func (r *Replica) Grades() []protocol.Grade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Grade, len(r.grades))
	copy(out, r.grades)
	return out
}

// Student looks up a replicated student.
func (r *Replica) Student(id string) (protocol.Student, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, student := range r.students {
		if student.ID == id {
			return student, true
		}
	}
	return protocol.Student{}, false
}

// Grade looks up a replicated grade.
func (r *Replica) Grade(id protocol.GradeID) (protocol.Grade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, grade := range r.grades {
		if grade.ID == id {
			return grade, true
		}
	}
	return protocol.Grade{}, false
}

// Apply folds a server event into the replica. It reports whether the event
// concerns the replica at all; events such as notifications are ignored.
func (r *Replica) Apply(envelope protocol.Envelope) (bool, error) {
	switch envelope.Event {
	case protocol.EventDataInit:
		var snapshot protocol.DataInit
		if err := envelope.Decode(&snapshot); err != nil {
			return true, err
		}
		r.Reset(snapshot)
	case protocol.EventStudentCreated:
		var student protocol.Student
		if err := envelope.Decode(&student); err != nil {
			return true, err
		}
		r.insertStudent(student)
	case protocol.EventStudentUpdated:
		var student protocol.Student
		if err := envelope.Decode(&student); err != nil {
			return true, err
		}
		r.upsertStudent(student)
	case protocol.EventStudentDeleted:
		id, err := protocol.DecodeID(envelope.Data)
		if err != nil {
			return true, err
		}
		r.removeStudent(id)
	case protocol.EventGradeCreated:
		var grade protocol.Grade
		if err := envelope.Decode(&grade); err != nil {
			return true, err
		}
		r.insertGrade(grade)
	case protocol.EventGradeUpdated:
		var grade protocol.Grade
		if err := envelope.Decode(&grade); err != nil {
			return true, err
		}
		r.upsertGrade(grade)
	case protocol.EventGradeDeleted:
		id, err := protocol.DecodeID(envelope.Data)
		if err != nil {
			return true, err
		}
		r.removeGrade(protocol.GradeID(id))
	default:
		return false, nil
	}
	return true, nil
}

func (r *Replica) insertStudent(student protocol.Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.students {
		if existing.ID == student.ID {
			return
		}
	}
	r.students = append(r.students, student)
}

func (r *Replica) upsertStudent(student protocol.Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.students {
		if r.students[i].ID == student.ID {
			r.students[i] = student
			return
		}
	}
	r.students = append(r.students, student)
}

func (r *Replica) removeStudent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.students[:0]
	for _, student := range r.students {
		if student.ID != id {
			kept = append(kept, student)
		}
	}
	r.students = kept
}

func (r *Replica) patchStudent(req protocol.StudentUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.students {
		if r.students[i].ID == req.ID {
			req.ApplyTo(&r.students[i])
			return true
		}
	}
	return false
}

func (r *Replica) insertGrade(grade protocol.Grade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.grades {
		if existing.ID == grade.ID {
			return
		}
	}
	r.grades = append(r.grades, grade)
}

func (r *Replica) upsertGrade(grade protocol.Grade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.grades {
		if r.grades[i].ID == grade.ID {
			r.grades[i] = grade
			return
		}
	}
	r.grades = append(r.grades, grade)
}

func (r *Replica) removeGrade(id protocol.GradeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.grades[:0]
	for _, grade := range r.grades {
		if grade.ID != id {
			kept = append(kept, grade)
		}
	}
	r.grades = kept
}

func (r *Replica) patchGrade(req protocol.GradeUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.grades {
		if r.grades[i].ID == req.ID {
			req.ApplyTo(&r.grades[i])
			return true
		}
	}
	return false
}

// MarshalJSON renders the replica as a data:init payload.
func (r *Replica) MarshalJSON() ([]byte, error) {
	return json.Marshal(protocol.DataInit{Students: r.Students(), Grades: r.Grades()})
}
