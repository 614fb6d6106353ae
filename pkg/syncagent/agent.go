// Package syncagent keeps a local replica of the gradesync record store in
// step with the server. An Agent owns one logical connection: it dials
// through an injected Transport, rebuilds its replica from every data:init
// snapshot, folds record events into it and fans events out to subscribers.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// State is the connection state of an Agent.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateReconnecting  State = "reconnecting"
	StateOffline       State = "offline"
)

// AnyEvent subscribes to every inbound event.
const AnyEvent = "*"

var (
	// ErrOffline is returned once the reconnection ceiling is exhausted.
	ErrOffline = errors.New("realtime server unreachable")
	// ErrTransport wraps connection level failures.
	ErrTransport = errors.New("transport error")
	// ErrNotConnected is returned when emitting while the agent is stopped.
	ErrNotConnected = errors.New("agent not connected")
	// ErrQueueFull is returned when too many emits are pending a connection.
	ErrQueueFull = errors.New("emit queue full")
)

// Options tunes an Agent. Zero values select the defaults.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the backoff randomization factor; negative disables it.
	Jitter      float64
	MaxAttempts int
	QueueSize   int
	Logger      zerolog.Logger
	// OnStateChange is called from the connection goroutine on every
	// transition. It must not block or call Disconnect.
	OnStateChange func(State)
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 2
	}
	if o.Jitter == 0 {
		o.Jitter = 0.5
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

// Handler receives inbound events. Handlers run one at a time in arrival
// order on a dispatch goroutine and may call any Agent method, Disconnect
// included.
type Handler func(protocol.Envelope)

// Status is a point-in-time view of an Agent.
type Status struct {
	State     State  `json:"state"`
	SessionID string `json:"sessionId,omitempty"`
	Transport string `json:"transport,omitempty"`
	Attempts  int    `json:"attempts"`
	Queued    int    `json:"queued"`
	LastError string `json:"lastError,omitempty"`
}

// run tracks one Connect..Disconnect lifetime.
type run struct {
	cancel context.CancelFunc
	ready  chan struct{}
	once   sync.Once
	err    error
	done   chan struct{}
	events chan protocol.Envelope
}

const dispatchBuffer = 64

func (r *run) settle(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.ready)
	})
}

// Agent is a client synchronization agent. Several agents may share a process.
type Agent struct {
	transport Transport
	opts      Options
	logger    zerolog.Logger
	replica   *Replica

	mu        sync.Mutex
	state     State
	current   *run
	conn      Conn
	sessionID string
	attempts  int
	lastErr   error
	token     string
	queue     []protocol.Envelope

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]Handler
	nextSub uint64
}

// New creates an agent that dials through transport.
func New(transport Transport, opts Options) *Agent {
	opts = opts.withDefaults()
	return &Agent{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "sync_agent").Str("transport", transport.Name()).Logger(),
		replica:   NewReplica(),
		state:     StateDisconnected,
		subs:      make(map[string]map[uint64]Handler),
	}
}

// Replica exposes the local copy of the record store.
func (a *Agent) Replica() *Replica { return a.replica }

// Status reports the agent state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := Status{
		State:     a.state,
		SessionID: a.sessionID,
		Attempts:  a.attempts,
		Queued:    len(a.queue),
	}
	if a.conn != nil {
		status.Transport = a.conn.Transport()
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
	}
	return status
}

// Connect starts the agent and blocks until the first snapshot has been
// applied. It returns ErrOffline when every attempt failed. Cancelling ctx
// only abandons the wait; use Disconnect to stop the agent.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	current := a.current
	if current == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		current = &run{
			cancel: cancel,
			ready:  make(chan struct{}),
			done:   make(chan struct{}),
			events: make(chan protocol.Envelope, dispatchBuffer),
		}
		a.current = current
		a.lastErr = nil
		go a.loop(runCtx, current)
		go a.dispatch(runCtx, current.events)
	}
	a.mu.Unlock()

	select {
	case <-current.ready:
		return current.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops reconnection attempts, closes the connection and drops
// the replica and any queued emits.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	current := a.current
	a.current = nil
	a.queue = nil
	a.mu.Unlock()

	if current != nil {
		current.cancel()
		<-current.done
	}
	a.replica.Clear()
	a.setState(StateDisconnected)
}

// Done is closed when the current run ends, either through Disconnect or
// after going offline. It returns a closed channel when the agent is stopped.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.current.done
}

// Subscribe registers fn for event (or AnyEvent). The returned func unsubscribes.
func (a *Agent) Subscribe(event string, fn Handler) func() {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.nextSub++
	id := a.nextSub
	if a.subs[event] == nil {
		a.subs[event] = make(map[uint64]Handler)
	}
	a.subs[event][id] = fn

	return func() {
		a.subsMu.Lock()
		defer a.subsMu.Unlock()
		delete(a.subs[event], id)
		if len(a.subs[event]) == 0 {
			delete(a.subs, event)
		}
	}
}

// dispatch hands events to subscribers until the run is cancelled or the
// connection loop has exited and its backlog is drained.
func (a *Agent) dispatch(ctx context.Context, events <-chan protocol.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-events:
			if !ok {
				return
			}
			a.publish(envelope)
		}
	}
}

func (a *Agent) publish(envelope protocol.Envelope) {
	a.subsMu.RLock()
	handlers := make([]Handler, 0, len(a.subs[envelope.Event])+len(a.subs[AnyEvent]))
	for _, fn := range a.subs[envelope.Event] {
		handlers = append(handlers, fn)
	}
	for _, fn := range a.subs[AnyEvent] {
		handlers = append(handlers, fn)
	}
	a.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(envelope)
	}
}

// Emit sends an event, queuing it while a connection is being (re)established.
func (a *Agent) Emit(ctx context.Context, event string, data interface{}) error {
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.current == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	conn := a.conn
	if conn == nil {
		err := a.enqueueLocked(envelope)
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	if err := conn.Send(ctx, envelope); err != nil {
		a.logger.Warn().Err(err).Str("event", event).Msg("send failed, queuing for reconnection")
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.enqueueLocked(envelope)
	}
	return nil
}

func (a *Agent) enqueueLocked(envelope protocol.Envelope) error {
	if len(a.queue) >= a.opts.QueueSize {
		return ErrQueueFull
	}
	a.queue = append(a.queue, envelope)
	return nil
}

// EmitOption adjusts a mutation helper.
type EmitOption func(*emitConfig)

type emitConfig struct {
	optimistic bool
}

// Optimistic applies the mutation to the replica before the server confirms it.
func Optimistic() EmitOption {
	return func(cfg *emitConfig) { cfg.optimistic = true }
}

func collect(opts []EmitOption) emitConfig {
	var cfg emitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Authenticate presents token now and after every reconnection. While a
// connection is being established the token is only stored: it goes out
// ahead of the queued emits once the connection is up.
func (a *Agent) Authenticate(ctx context.Context, token string) error {
	a.mu.Lock()
	a.token = token
	running, connected := a.current != nil, a.conn != nil
	a.mu.Unlock()

	if running && !connected {
		return nil
	}
	return a.Emit(ctx, protocol.EventAuthenticate, protocol.Authenticate{Token: token})
}

// CreateStudent asks the server to register a student. Identifiers are
// server-assigned, so the replica changes once the broadcast arrives.
func (a *Agent) CreateStudent(ctx context.Context, req protocol.StudentCreate) error {
	return a.Emit(ctx, protocol.EventStudentCreate, req)
}

func (a *Agent) UpdateStudent(ctx context.Context, req protocol.StudentUpdate, opts ...EmitOption) error {
	if collect(opts).optimistic {
		a.replica.patchStudent(req)
	}
	return a.Emit(ctx, protocol.EventStudentUpdate, req)
}

func (a *Agent) DeleteStudent(ctx context.Context, id string, opts ...EmitOption) error {
	if collect(opts).optimistic {
		a.replica.removeStudent(id)
	}
	return a.Emit(ctx, protocol.EventStudentDelete, id)
}

func (a *Agent) CreateGrade(ctx context.Context, req protocol.GradeCreate) error {
	return a.Emit(ctx, protocol.EventGradeCreate, req)
}

func (a *Agent) UpdateGrade(ctx context.Context, req protocol.GradeUpdate, opts ...EmitOption) error {
	if collect(opts).optimistic {
		a.replica.patchGrade(req)
	}
	return a.Emit(ctx, protocol.EventGradeUpdate, req)
}

func (a *Agent) DeleteGrade(ctx context.Context, id protocol.GradeID, opts ...EmitOption) error {
	if collect(opts).optimistic {
		a.replica.removeGrade(id)
	}
	return a.Emit(ctx, protocol.EventGradeDelete, id)
}

func (a *Agent) JoinRoom(ctx context.Context, room string) error {
	return a.Emit(ctx, protocol.EventJoinRoom, room)
}

func (a *Agent) LeaveRoom(ctx context.Context, room string) error {
	return a.Emit(ctx, protocol.EventLeaveRoom, room)
}

func (a *Agent) Ping(ctx context.Context) error {
	return a.Emit(ctx, protocol.EventPing, nil)
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	changed := a.state != state
	a.state = state
	a.mu.Unlock()

	if changed {
		a.logger.Debug().Str("state", string(state)).Msg("agent state changed")
		if a.opts.OnStateChange != nil {
			a.opts.OnStateChange(state)
		}
	}
}

func (a *Agent) loop(ctx context.Context, current *run) {
	defer close(current.done)
	defer close(current.events)
	defer func() {
		a.mu.Lock()
		if a.current == current || a.current == nil {
			a.current = nil
			a.conn = nil
			a.sessionID = ""
		}
		a.mu.Unlock()
	}()

	reconnecting := false
	for {
		conn, err := a.dial(ctx, reconnecting)
		if err != nil {
			if ctx.Err() != nil {
				current.settle(ErrNotConnected)
				return
			}
			a.logger.Warn().Err(err).Int("attempts", a.opts.MaxAttempts).Msg("giving up, agent offline")
			a.mu.Lock()
			a.lastErr = err
			a.queue = nil
			if a.current == current {
				a.current = nil
			}
			a.mu.Unlock()
			a.setState(StateOffline)
			current.settle(fmt.Errorf("%w: %v", ErrOffline, err))
			return
		}

		a.setState(StateConnected)
		err = a.serve(ctx, conn, current)
		_ = conn.Close()

		a.mu.Lock()
		a.conn = nil
		if ctx.Err() == nil {
			a.lastErr = err
		}
		a.mu.Unlock()

		if ctx.Err() != nil {
			current.settle(ErrNotConnected)
			return
		}
		a.logger.Info().Err(err).Msg("connection dropped, reconnecting")
		reconnecting = true
	}
}

func (a *Agent) dial(ctx context.Context, reconnecting bool) (Conn, error) {
	if reconnecting {
		a.setState(StateReconnecting)
	} else {
		a.setState(StateConnecting)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.opts.InitialInterval
	policy.MaxInterval = a.opts.MaxInterval
	policy.Multiplier = a.opts.Multiplier
	policy.RandomizationFactor = a.opts.Jitter
	policy.MaxElapsedTime = 0

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.opts.MaxAttempts-1)), ctx)

	attempt := 0
	var conn Conn
	err := backoff.RetryNotify(func() error {
		attempt++
		a.mu.Lock()
		a.attempts = attempt
		a.mu.Unlock()

		c, err := a.transport.Dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, bounded, func(err error, wait time.Duration) {
		a.logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("dial failed")
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.attempts = 0
	a.mu.Unlock()
	return conn, nil
}

// serve runs one connection until it drops or ctx is cancelled.
func (a *Agent) serve(ctx context.Context, conn Conn, current *run) error {
	if err := a.resume(ctx, conn); err != nil {
		return err
	}

	for {
		envelope, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		a.handle(ctx, envelope, current)
	}
}

// resume re-authenticates and flushes queued emits in order before the
// connection becomes visible to Emit. A token stored meanwhile is sent
// before the connection is published.
func (a *Agent) resume(ctx context.Context, conn Conn) error {
	presented := ""
	for {
		a.mu.Lock()
		if token := a.token; token != "" && token != presented {
			a.mu.Unlock()
			envelope, err := protocol.NewEnvelope(protocol.EventAuthenticate, protocol.Authenticate{Token: token})
			if err != nil {
				return err
			}
			if err := conn.Send(ctx, envelope); err != nil {
				return err
			}
			presented = token
			continue
		}
		if len(a.queue) == 0 {
			a.conn = conn
			a.mu.Unlock()
			return nil
		}
		pending := a.queue
		a.queue = nil
		a.mu.Unlock()

		for i, envelope := range pending {
			if err := conn.Send(ctx, envelope); err != nil {
				a.mu.Lock()
				a.queue = append(pending[i:], a.queue...)
				a.mu.Unlock()
				return err
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, envelope protocol.Envelope, current *run) {
	switch envelope.Event {
	case protocol.EventWelcome:
		var welcome protocol.Welcome
		if err := envelope.Decode(&welcome); err == nil {
			a.mu.Lock()
			a.sessionID = welcome.SessionID
			a.mu.Unlock()
		}
	case protocol.EventAuthenticated:
		a.setState(StateAuthenticated)
	case protocol.EventAuthenticationError:
		a.logger.Warn().Msg("authentication rejected")
	case protocol.EventError:
		var failure protocol.Error
		if err := envelope.Decode(&failure); err == nil {
			a.logger.Warn().Str("message", failure.Message).Str("error", failure.Error).Msg("server reported an error")
		}
	}

	if _, err := a.replica.Apply(envelope); err != nil {
		a.logger.Warn().Err(err).Str("event", envelope.Event).Msg("ignoring undecodable event")
	}
	if envelope.Event == protocol.EventDataInit {
		current.settle(nil)
	}

	select {
	case current.events <- envelope:
	case <-ctx.Done():
	}
}
