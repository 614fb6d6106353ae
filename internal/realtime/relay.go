package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/internal/observability"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

const (
	relayBufferSize = 256
	relaySeenWindow = 1024
)

// RelayOptions configures the cross-node relay. Either backend may be nil.
type RelayOptions struct {
	Redis   *redis.Client
	NATS    *nats.Conn
	Channel string
	NodeID  string
	Logger  zerolog.Logger
}

// Relay forwards broadcast emissions to hubs on other nodes through Redis
// pub/sub and/or NATS, and hands their emissions back to the local hub.
type Relay struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger

	outgoing  chan relayMessage
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
}

type relayMessage struct {
	ID       string          `json:"id"`
	Source   string          `json:"source"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
	Audience string          `json:"audience"`
	Room     string          `json:"room,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// NewRelay returns nil when no backend is configured.
func NewRelay(opts RelayOptions) *Relay {
	if opts.Redis == nil && opts.NATS == nil {
		return nil
	}

	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = "gradesync"
	}
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	return &Relay{
		redis:        opts.Redis,
		redisChannel: channel + ":events",
		nats:         opts.NATS,
		natsSubject:  strings.ReplaceAll(channel, ":", ".") + ".events",
		nodeID:       nodeID,
		logger:       opts.Logger.With().Str("component", "realtime_relay").Str("node_id", nodeID).Logger(),
		outgoing:     make(chan relayMessage, relayBufferSize),
		seen:         make(map[string]struct{}, relaySeenWindow),
		ready:        make(chan struct{}),
	}
}

// NodeID tags messages published by this node.
func (r *Relay) NodeID() string { return r.nodeID }

// Ready is closed once every configured subscription is active.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Start launches the publisher and subscribers. deliver is called for every
// message published by another node.
func (r *Relay) Start(ctx context.Context, deliver func(protocol.Envelope, Audience)) {
	r.startOnce.Do(func() {
		var pending sync.WaitGroup
		if r.redis != nil {
			pending.Add(1)
			go r.consumeRedis(ctx, deliver, pending.Done)
		}
		if r.nats != nil {
			pending.Add(1)
			go r.consumeNATS(ctx, deliver, pending.Done)
		}
		go func() {
			pending.Wait()
			r.readyOnce.Do(func() { close(r.ready) })
		}()
		go r.publishLoop(ctx)
	})
}

// Publish queues an envelope for peers without blocking the hub.
func (r *Relay) Publish(envelope protocol.Envelope, audience Audience) {
	message := relayMessage{
		ID:       uuid.NewString(),
		Source:   r.nodeID,
		Event:    envelope.Event,
		Data:     envelope.Data,
		Audience: "all",
		SentAt:   time.Now().UTC(),
	}
	if audience.Kind == AudienceRoom {
		message.Audience = "room"
		message.Room = audience.Room
	}

	select {
	case r.outgoing <- message:
	default:
		r.logger.Warn().Str("event", envelope.Event).Msg("relay buffer full, dropping emission")
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-r.outgoing:
			if err := r.publish(ctx, message); err != nil {
				r.logger.Warn().Err(err).Str("event", message.Event).Msg("failed to relay emission")
				continue
			}
			observability.RealtimeRelayed().WithLabelValues("outbound").Inc()
		}
	}
}

func (r *Relay) publish(ctx context.Context, message relayMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	if r.redis != nil {
		if err := r.redis.Publish(ctx, r.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if r.nats != nil {
		if err := r.nats.Publish(r.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (r *Relay) consumeRedis(ctx context.Context, deliver func(protocol.Envelope, Audience), subscribed func()) {
	pubsub := r.redis.Subscribe(ctx, r.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	// wait for the subscription confirmation so nothing published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		subscribed()
		if !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("redis relay subscription failed")
		}
		return
	}
	subscribed()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			r.logger.Error().Err(err).Msg("redis relay subscription closed")
			return
		}
		r.handleMessage([]byte(msg.Payload), deliver)
	}
}

func (r *Relay) consumeNATS(ctx context.Context, deliver func(protocol.Envelope, Audience), subscribed func()) {
	// every node needs every message, so no queue group here
	sub, err := r.nats.Subscribe(r.natsSubject, func(msg *nats.Msg) {
		r.handleMessage(msg.Data, deliver)
	})
	subscribed()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to subscribe to nats relay subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to drain nats relay subscription")
		}
	}()
}

func (r *Relay) handleMessage(data []byte, deliver func(protocol.Envelope, Audience)) {
	var message relayMessage
	if err := json.Unmarshal(data, &message); err != nil {
		r.logger.Warn().Err(err).Msg("invalid relay message")
		return
	}
	if message.Source == r.nodeID || message.Event == "" {
		return
	}
	if !r.firstSighting(message.ID) {
		return
	}

	audience := All
	if message.Audience == "room" {
		audience = Room(message.Room)
	}
	deliver(protocol.Envelope{Event: message.Event, Data: message.Data}, audience)
}

// firstSighting filters the copy of a message received over the second backend.
func (r *Relay) firstSighting(id string) bool {
	if id == "" {
		return true
	}
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	r.seenOrder = append(r.seenOrder, id)
	if len(r.seenOrder) > relaySeenWindow {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
	return true
}
