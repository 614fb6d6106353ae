// Package realtime hosts the session registry and the event broadcaster.
//
// Every state change flows through a single dispatch goroutine (Hub.Run):
// session registration, inbound client events, HTTP-originated mutations and
// relayed peer emissions are queued as commands and processed one at a time.
// Emissions therefore reach session outboxes in the order the record store
// applied the corresponding mutations.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gradesync-api/internal/observability"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

const (
	defaultOutboxSize = 64
	defaultQueueSize  = 256
	minOutboxSize     = 4

	welcomeMessage = "Bienvenue sur le serveur en temps réel"

	ReasonClientDisconnect = "client disconnect"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonSlowConsumer     = "slow consumer"
	ReasonServerShutdown   = "server shutdown"
)

// AudienceKind selects which sessions receive an emission.
type AudienceKind int

const (
	AudienceAll AudienceKind = iota
	AudienceOthers
	AudienceOriginator
	AudienceRoom
)

// Audience addresses an emission.
type Audience struct {
	Kind AudienceKind
	Room string
}

var (
	All        = Audience{Kind: AudienceAll}
	Others     = Audience{Kind: AudienceOthers}
	Originator = Audience{Kind: AudienceOriginator}
)

// Room addresses the sessions that joined name.
func Room(name string) Audience {
	return Audience{Kind: AudienceRoom, Room: name}
}

// Emission is one event a handler asks the hub to deliver.
type Emission struct {
	Event    string
	Data     interface{}
	Audience Audience
	// Local emissions are not relayed to peer nodes.
	Local bool
}

// Outcome is what a handler returns on success.
type Outcome struct {
	Result    interface{}
	Emissions []Emission
}

// Handler processes one inbound event. session is nil for HTTP-originated mutations.
type Handler func(ctx context.Context, session *Session, data json.RawMessage) (Outcome, error)

// Options configures a Hub.
type Options struct {
	Records       service.RecordService
	Authenticator Authenticator
	Relay         *Relay
	Logger        zerolog.Logger
	// RequireAuth restricts mutations to authenticated staff sessions.
	RequireAuth bool
	OutboxSize  int
	QueueSize   int
	Now         func() time.Time
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdEvent
	cmdSubmit
	cmdPublish
	cmdRemote
)

type command struct {
	kind      commandKind
	ctx       context.Context
	session   *Session
	reason    string
	envelope  protocol.Envelope
	emissions []Emission
	reply     chan commandResult
}

type commandResult struct {
	value interface{}
	err   error
}

// Hub owns the session registry and serializes event handling.
type Hub struct {
	records    service.RecordService
	relay      *Relay
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	outboxSize int
	nodeID     string

	handlers map[string]Handler
	schemas  *payloadSchemas

	commands chan command
	done     chan struct{}
	runOnce  sync.Once

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub builds a hub; call Run to start processing.
func NewHub(opts Options) (*Hub, error) {
	if opts.Records == nil {
		return nil, errors.New("realtime hub requires a record service")
	}
	schemas, err := loadPayloadSchemas()
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	outboxSize := opts.OutboxSize
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	if outboxSize < minOutboxSize {
		outboxSize = minOutboxSize
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	nodeID := uuid.NewString()
	if opts.Relay != nil {
		nodeID = opts.Relay.NodeID()
	}

	h := &Hub{
		records:    opts.Records,
		relay:      opts.Relay,
		logger:     opts.Logger.With().Str("component", "realtime_hub").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gradesync-api/internal/realtime"),
		now:        now,
		outboxSize: outboxSize,
		nodeID:     nodeID,
		schemas:    schemas,
		commands:   make(chan command, queueSize),
		done:       make(chan struct{}),
		sessions:   make(map[string]*Session),
	}

	d := &dispatcher{
		records:     opts.Records,
		auth:        opts.Authenticator,
		requireAuth: opts.RequireAuth,
		now:         now,
		sessions:    h.SessionCount,
		logger:      opts.Logger.With().Str("component", "realtime_dispatcher").Logger(),
	}
	h.handlers = d.table()

	observability.RegisterMetrics()
	return h, nil
}

// NodeID identifies this hub on the relay.
func (h *Hub) NodeID() string { return h.nodeID }

// Run processes commands until ctx is cancelled. It returns ErrHubClosed if called twice.
func (h *Hub) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return ErrHubClosed
	}
	defer h.shutdown()

	if h.relay != nil {
		h.relay.Start(ctx, h.acceptRemote)
	}

	h.logger.Info().Str("node_id", h.nodeID).Msg("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("realtime hub stopping")
			return nil
		case cmd := <-h.commands:
			h.process(cmd)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, session := range sessions {
		session.close(ReasonServerShutdown)
		observability.RealtimeSessions().WithLabelValues(string(session.transport)).Dec()
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// SessionCount reports the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Session looks up a registered session.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	session, ok := h.sessions[id]
	return session, ok
}

// Sessions returns the registered sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Connect registers a new session. Its outbox starts with welcome and data:init.
func (h *Hub) Connect(ctx context.Context, transport Transport) (*Session, error) {
	session := newSession(transport, h.outboxSize, h.now().UTC())
	result, err := h.call(ctx, command{kind: cmdConnect, session: session})
	if err != nil {
		h.Disconnect(session, ReasonTransportError)
		return nil, err
	}
	return result.(*Session), nil
}

// Disconnect unregisters session. It is safe to call more than once.
func (h *Hub) Disconnect(session *Session, reason string) {
	if session == nil {
		return
	}
	if err := h.enqueue(context.Background(), command{kind: cmdDisconnect, session: session, reason: reason}); err != nil {
		session.close(reason)
	}
}

// Dispatch queues an inbound event from session. Handler failures are reported
// to the session as error events, never returned here.
func (h *Hub) Dispatch(ctx context.Context, session *Session, envelope protocol.Envelope) error {
	if session == nil {
		return ErrSessionClosed
	}
	if session.isClosed() {
		return ErrSessionClosed
	}
	return h.enqueue(ctx, command{kind: cmdEvent, session: session, envelope: envelope})
}

// Submit runs a mutation that did not originate from a session and waits for its result.
func (h *Hub) Submit(ctx context.Context, event string, data interface{}) (interface{}, error) {
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return h.call(ctx, command{kind: cmdSubmit, envelope: envelope})
}

// Publish delivers a server-originated event, relaying it to peers unless it targets nobody else.
func (h *Hub) Publish(ctx context.Context, event string, data interface{}, audience Audience) error {
	if audience.Kind == AudienceOriginator {
		return fmt.Errorf("%w: publish requires a broadcast audience", ErrInvalidPayload)
	}
	_, err := h.call(ctx, command{kind: cmdPublish, emissions: []Emission{{Event: event, Data: data, Audience: audience}}})
	return err
}

func (h *Hub) acceptRemote(envelope protocol.Envelope, audience Audience) {
	emission := Emission{Event: envelope.Event, Data: envelope.Data, Audience: audience, Local: true}
	if err := h.enqueue(context.Background(), command{kind: cmdRemote, emissions: []Emission{emission}}); err != nil {
		h.logger.Debug().Err(err).Str("event", envelope.Event).Msg("dropping relayed emission")
	}
}

func (h *Hub) enqueue(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) call(ctx context.Context, cmd command) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.reply = make(chan commandResult, 1)
	if err := h.enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case result := <-cmd.reply:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHubClosed
	}
}

func (h *Hub) process(cmd command) {
	var result commandResult
	switch cmd.kind {
	case cmdConnect:
		result.err = h.register(cmd.ctx, cmd.session)
		result.value = cmd.session
	case cmdDisconnect:
		h.unregister(cmd.session, cmd.reason)
	case cmdEvent, cmdSubmit:
		result.value, result.err = h.handle(cmd.ctx, cmd.session, cmd.envelope)
	case cmdPublish:
		result.err = h.deliver(nil, cmd.emissions)
	case cmdRemote:
		observability.RealtimeRelayed().WithLabelValues("inbound").Inc()
		result.err = h.deliver(nil, cmd.emissions)
	}
	if cmd.reply != nil {
		cmd.reply <- result
	}
}

func (h *Hub) register(ctx context.Context, session *Session) error {
	snapshot, err := h.records.Snapshot(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load snapshot for new session")
		return err
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	count := len(h.sessions)
	h.mu.Unlock()
	observability.RealtimeSessions().WithLabelValues(string(session.transport)).Inc()

	now := h.now().UTC()
	initial := []Emission{
		{Event: protocol.EventWelcome, Audience: Originator, Local: true, Data: protocol.Welcome{
			Message:     welcomeMessage,
			SessionID:   session.id,
			Timestamp:   now,
			ClientCount: count,
		}},
		{Event: protocol.EventDataInit, Audience: Originator, Local: true, Data: protocol.DataInit{
			Students: snapshot.Students,
			Grades:   snapshot.Grades,
		}},
		{Event: protocol.EventUserJoined, Audience: Others, Local: true, Data: protocol.Presence{
			ID:        session.id,
			Timestamp: now,
		}},
	}

	h.logger.Debug().Str("session_id", session.id).Str("transport", string(session.transport)).Int("sessions", count).Msg("session registered")
	return h.deliver(session, initial)
}

func (h *Hub) unregister(session *Session, reason string) {
	h.mu.Lock()
	_, registered := h.sessions[session.id]
	delete(h.sessions, session.id)
	count := len(h.sessions)
	h.mu.Unlock()

	session.close(reason)
	if !registered {
		return
	}
	observability.RealtimeSessions().WithLabelValues(string(session.transport)).Dec()

	h.logger.Debug().Str("session_id", session.id).Str("reason", reason).Int("sessions", count).Msg("session unregistered")
	_ = h.deliver(nil, []Emission{
		{Event: protocol.EventUsersCount, Audience: All, Local: true, Data: count},
		{Event: protocol.EventUserLeft, Audience: All, Local: true, Data: protocol.Presence{
			ID:        session.id,
			Timestamp: h.now().UTC(),
			Reason:    reason,
		}},
	})
}

func (h *Hub) handle(ctx context.Context, session *Session, envelope protocol.Envelope) (result interface{}, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if session != nil && session.isClosed() {
		return nil, ErrSessionClosed
	}

	attrs := []attribute.KeyValue{attribute.String("realtime.event", envelope.Event)}
	if session != nil {
		attrs = append(attrs, attribute.String("realtime.session_id", session.id), attribute.String("realtime.transport", string(session.transport)))
	}
	spanCtx, span := h.tracer.Start(ctx, "realtime.dispatch", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	outcome, err := h.invoke(spanCtx, session, envelope)
	if err == nil {
		if deliverErr := h.deliver(session, outcome.Emissions); deliverErr != nil {
			// the change is already committed; replicas catch up from a fresh snapshot
			span.RecordError(deliverErr)
			h.logger.Error().Err(deliverErr).Str("event", envelope.Event).Msg("change applied but its events could not be encoded, resyncing sessions")
			h.resync(spanCtx)
		}
	}
	observability.RealtimeDispatchLatency().WithLabelValues(envelope.Event).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RealtimeDispatched().WithLabelValues(envelope.Event, "error").Inc()
		h.replyError(session, envelope.Event, err)
		return nil, err
	}

	observability.RealtimeDispatched().WithLabelValues(envelope.Event, "ok").Inc()
	return outcome.Result, nil
}

func (h *Hub) invoke(ctx context.Context, session *Session, envelope protocol.Envelope) (outcome Outcome, err error) {
	handler, ok := h.handlers[envelope.Event]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
	if err := h.schemas.Validate(envelope.Event, envelope.Data); err != nil {
		return Outcome{}, err
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error().Interface("panic", recovered).Str("event", envelope.Event).Msg("recovered panic in event handler")
			outcome = Outcome{}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, recovered)
		}
	}()

	return handler(ctx, session, envelope.Data)
}

// resync pushes the current snapshot to every local session.
func (h *Hub) resync(ctx context.Context) {
	snapshot, err := h.records.Snapshot(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load snapshot for resync")
		return
	}
	err = h.deliver(nil, []Emission{{Event: protocol.EventDataInit, Audience: All, Local: true, Data: protocol.DataInit{
		Students: snapshot.Students,
		Grades:   snapshot.Grades,
	}}})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to deliver resync snapshot")
	}
}

func (h *Hub) replyError(session *Session, event string, err error) {
	logger := h.logger.Warn().Err(err).Str("event", event)
	if session != nil {
		logger = logger.Str("session_id", session.id)
	}
	logger.Msg("event rejected")

	if session == nil {
		return
	}

	var emission Emission
	if errors.Is(err, ErrAuthentication) {
		emission = Emission{Event: protocol.EventAuthenticationError, Audience: Originator, Local: true, Data: protocol.AuthenticationError{
			Message: "Token invalide",
		}}
	} else {
		emission = Emission{Event: protocol.EventError, Audience: Originator, Local: true, Data: protocol.Error{
			Message: failureMessage(event),
			Error:   err.Error(),
		}}
	}
	_ = h.deliver(session, []Emission{emission})
}

type encodedEmission struct {
	envelope protocol.Envelope
	audience Audience
	local    bool
}

// deliver encodes every emission before queuing any of them so a single
// encoding failure suppresses the whole batch.
func (h *Hub) deliver(origin *Session, emissions []Emission) error {
	if len(emissions) == 0 {
		return nil
	}

	encoded := make([]encodedEmission, 0, len(emissions))
	for _, emission := range emissions {
		envelope, err := protocol.NewEnvelope(emission.Event, emission.Data)
		if err != nil {
			return err
		}
		encoded = append(encoded, encodedEmission{envelope: envelope, audience: emission.Audience, local: emission.Local})
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	slow := make(map[string]*Session)
	for _, item := range encoded {
		for _, session := range targets {
			if _, dropped := slow[session.id]; dropped {
				continue
			}
			if !addressed(item.audience, origin, session) {
				continue
			}
			if !session.enqueue(item.envelope) {
				slow[session.id] = session
				continue
			}
			observability.RealtimeEventsEmitted().WithLabelValues(item.envelope.Event).Inc()
		}
		if !item.local && h.relay != nil && item.audience.Kind != AudienceOriginator {
			audience := item.audience
			if audience.Kind == AudienceOthers {
				audience = All
			}
			h.relay.Publish(item.envelope, audience)
		}
	}

	for _, session := range slow {
		if session.isClosed() {
			continue
		}
		observability.RealtimeSlowConsumers().Inc()
		h.logger.Warn().Str("session_id", session.id).Msg("closing session with full outbox")
		h.unregister(session, ReasonSlowConsumer)
	}
	return nil
}

func addressed(audience Audience, origin, session *Session) bool {
	switch audience.Kind {
	case AudienceAll:
		return true
	case AudienceOthers:
		return origin == nil || session.id != origin.id
	case AudienceOriginator:
		return origin != nil && session.id == origin.id
	case AudienceRoom:
		return session.InRoom(audience.Room)
	default:
		return false
	}
}

func failureMessage(event string) string {
	switch event {
	case protocol.EventStudentCreate:
		return "Erreur création étudiant"
	case protocol.EventStudentUpdate:
		return "Erreur mise à jour étudiant"
	case protocol.EventStudentDelete:
		return "Erreur suppression étudiant"
	case protocol.EventGradeCreate:
		return "Erreur création note"
	case protocol.EventGradeUpdate:
		return "Erreur mise à jour note"
	case protocol.EventGradeDelete:
		return "Erreur suppression note"
	case protocol.EventJoinRoom, protocol.EventLeaveRoom:
		return "Erreur salle"
	default:
		return "Erreur de traitement"
	}
}
