package realtime

import "errors"

var (
	// ErrAuthentication marks a rejected credential.
	ErrAuthentication = errors.New("authentication failed")
	// ErrForbidden is returned when a session may not perform a mutation.
	ErrForbidden = errors.New("not allowed")
	// ErrUnknownEvent is returned for events missing from the dispatch table.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload wraps schema and decoding failures.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrSessionClosed is returned when addressing a session that has gone away.
	ErrSessionClosed = errors.New("session closed")
	// ErrHubClosed is returned once Run has exited.
	ErrHubClosed = errors.New("realtime hub stopped")
	// ErrHandlerPanic reports a recovered panic inside an event handler.
	ErrHandlerPanic = errors.New("internal error while handling event")
)
