// Package protocol defines the event envelope and payloads exchanged between
// the realtime server and synchronization agents.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names.
const (
	EventWelcome  = "welcome"
	EventDataInit = "data:init"

	EventAuthenticate        = "authenticate"
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"

	EventStudentCreate  = "student:create"
	EventStudentUpdate  = "student:update"
	EventStudentDelete  = "student:delete"
	EventStudentCreated = "student:created"
	EventStudentUpdated = "student:updated"
	EventStudentDeleted = "student:deleted"

	EventGradeCreate  = "grade:create"
	EventGradeUpdate  = "grade:update"
	EventGradeDelete  = "grade:delete"
	EventGradeCreated = "grade:created"
	EventGradeUpdated = "grade:updated"
	EventGradeDeleted = "grade:deleted"

	EventAverageUpdated = "student:average:updated"

	EventJoinRoom  = "join:room"
	EventLeaveRoom = "leave:room"

	EventNotification = "notification"
	EventUsersCount   = "users:count"
	EventUserJoined   = "user:joined"
	EventUserLeft     = "user:left"

	EventPing  = "ping"
	EventPong  = "pong"
	EventError = "error"
)

// Notification types.
const (
	NotificationSuccess = "success"
	NotificationInfo    = "info"
	NotificationWarning = "warning"
	NotificationError   = "error"
)

// ErrMalformed is returned when a payload cannot be interpreted.
var ErrMalformed = errors.New("malformed payload")

// Envelope is the frame carried by every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into an envelope for event.
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return Envelope{Event: event, Data: raw}, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: encoded}, nil
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w", e.Event, ErrMalformed)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%s: %w: %v", e.Event, ErrMalformed, err)
	}
	return nil
}

// DecodeEnvelopes accepts a single envelope or a JSON array of envelopes.
func DecodeEnvelopes(body []byte) ([]Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrMalformed
	}
	if body[0] == '[' {
		var batch []Envelope
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return batch, nil
	}
	var single Envelope
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []Envelope{single}, nil
}

// Welcome greets a freshly registered session.
type Welcome struct {
	Message     string    `json:"message"`
	SessionID   string    `json:"sessionId"`
	Timestamp   time.Time `json:"timestamp"`
	ClientCount int       `json:"clientCount"`
}

// DataInit is the full snapshot pushed on every (re)connect.
type DataInit struct {
	Students []Student `json:"students"`
	Grades   []Grade   `json:"grades"`
}

// Authenticate carries the credential presented by a client.
type Authenticate struct {
	Token string `json:"token"`
}

// User identifies the principal behind an authenticated session.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Authenticated acknowledges a successful authentication.
type Authenticated struct {
	Success bool `json:"success"`
	User    User `json:"user"`
}

// AuthenticationError rejects a credential.
type AuthenticationError struct {
	Message string `json:"message"`
}

// AverageUpdated carries a student's recomputed mean.
type AverageUpdated struct {
	StudentID string  `json:"studentId"`
	Average   float64 `json:"average"`
}

// Notification is a human-readable message for end users.
type Notification struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// Error reports a failed request to its originator.
type Error struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Handshake opens a long-polling session. Durations are in milliseconds.
type Handshake struct {
	SessionID    string `json:"sessionId"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

// Presence announces a session joining or leaving.
type Presence struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// DecodeID reads an identifier given as a JSON string, a JSON number or {"id": ...}.
func DecodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrMalformed
	}
	if raw[0] == '{' {
		var wrapper struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(wrapper.ID) == 0 {
			return "", ErrMalformed
		}
		raw = wrapper.ID
	}

	var id GradeID
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id.String(), nil
}

// DecodeText reads a string given either bare or as the named field of an object.
func DecodeText(raw json.RawMessage, field string) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrMalformed
	}
	if raw[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		value, ok := wrapper[field]
		if !ok {
			return "", ErrMalformed
		}
		raw = value
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return text, nil
}
