package syncagent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// Transport dials connections to the realtime server.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established connection. Receive blocks until an envelope
// arrives, the connection drops, or ctx is done.
type Conn interface {
	Transport() string
	Send(ctx context.Context, envelope protocol.Envelope) error
	Receive(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

var errConnClosed = errors.New("connection closed")

const inboxSize = 64

// inbox buffers envelopes between a transport's reader goroutine and Receive.
type inbox struct {
	messages chan protocol.Envelope
	done     chan struct{}
	once     sync.Once

	mu  sync.Mutex
	err error
}

func newInbox() *inbox {
	return &inbox{
		messages: make(chan protocol.Envelope, inboxSize),
		done:     make(chan struct{}),
	}
}

func (b *inbox) push(envelope protocol.Envelope) bool {
	select {
	case b.messages <- envelope:
		return true
	case <-b.done:
		return false
	}
}

func (b *inbox) fail(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *inbox) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *inbox) receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case envelope := <-b.messages:
		return envelope, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-b.done:
		// hand out what was read before the drop
		select {
		case envelope := <-b.messages:
			return envelope, nil
		default:
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return protocol.Envelope{}, b.err
	}
}

// FallbackTransport tries each transport in order and keeps the first that connects.
type FallbackTransport struct {
	transports []Transport
	logger     zerolog.Logger
}

// NewFallbackTransport builds a transport that negotiates in the given order.
func NewFallbackTransport(logger zerolog.Logger, transports ...Transport) *FallbackTransport {
	return &FallbackTransport{
		transports: transports,
		logger:     logger.With().Str("component", "sync_transport").Logger(),
	}
}

// NewServerTransport targets a gradesync server, preferring websocket over long-polling.
func NewServerTransport(baseURL string, logger zerolog.Logger) (*FallbackTransport, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	wsURL := *parsed
	switch parsed.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url scheme %q", parsed.Scheme)
	}
	wsURL.Path = parsed.Path + "/realtime/ws"

	pollURL := *parsed
	pollURL.Path = parsed.Path + "/realtime/polling"

	return NewFallbackTransport(logger,
		&WebSocketTransport{URL: wsURL.String()},
		&PollingTransport{URL: pollURL.String()},
	), nil
}

// Name implements Transport.
func (t *FallbackTransport) Name() string {
	names := make([]string, 0, len(t.transports))
	for _, transport := range t.transports {
		names = append(names, transport.Name())
	}
	return strings.Join(names, "+")
}

// Dial implements Transport.
func (t *FallbackTransport) Dial(ctx context.Context) (Conn, error) {
	if len(t.transports) == 0 {
		return nil, fmt.Errorf("%w: no transport configured", ErrTransport)
	}

	var errs []error
	for _, transport := range t.transports {
		conn, err := transport.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		t.logger.Debug().Err(err).Str("transport", transport.Name()).Msg("transport unavailable, falling back")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
