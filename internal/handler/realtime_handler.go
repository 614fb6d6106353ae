package handler

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/internal/middleware"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/utils"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

const (
	realtimeWriteWait    = 10 * time.Second
	realtimeMaxFrameSize = 1 << 20
	pollMaxBatch         = 128
)

// RealtimeOptions tunes the transport timers.
type RealtimeOptions struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	PollTimeout  time.Duration
}

func (o RealtimeOptions) withDefaults() RealtimeOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 60 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 25 * time.Second
	}
	if o.PollTimeout >= o.PingTimeout {
		o.PollTimeout = o.PingTimeout / 2
	}
	return o
}

// RealtimeHandler attaches websocket and long-polling clients to the hub.
type RealtimeHandler struct {
	hub    *realtime.Hub
	opts   RealtimeOptions
	logger zerolog.Logger
}

// NewRealtimeHandler creates the transport handler.
func NewRealtimeHandler(hub *realtime.Hub, opts RealtimeOptions, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		hub:    hub,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds transport routes under the provided router group.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.serveWebSocket, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}))

	router.Post("/polling", h.openPolling)
	router.Get("/polling/:sid", h.poll)
	router.Post("/polling/:sid", h.pushPolling)
	router.Delete("/polling/:sid", h.closePolling)
}

// StartReaper disconnects polling sessions that stopped polling for longer
// than the ping timeout. It returns when ctx is cancelled.
func (h *RealtimeHandler) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.reapIdle(now)
		}
	}
}

func (h *RealtimeHandler) reapIdle(now time.Time) int {
	reaped := 0
	for _, session := range h.hub.Sessions() {
		if session.Transport() != realtime.TransportPolling {
			continue
		}
		if now.Sub(session.LastSeen()) <= h.opts.PingTimeout {
			continue
		}
		h.logger.Info().Str("session_id", session.ID()).Time("last_seen", session.LastSeen()).Msg("reaping idle polling session")
		h.hub.Disconnect(session, realtime.ReasonPingTimeout)
		reaped++
	}
	return reaped
}

func (h *RealtimeHandler) serveWebSocket(conn *websocket.Conn) {
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := h.hub.Connect(ctx, realtime.TransportWebSocket)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to register websocket session")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "realtime unavailable"))
		_ = conn.Close()
		return
	}

	logger := h.logger.With().Str("session_id", session.ID()).Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).Logger()
	logger.Info().Msg("websocket session connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		h.writeWebSocket(conn, session, logger)
	}()

	reason := h.readWebSocket(ctx, conn, session, logger)
	h.hub.Disconnect(session, reason)
	<-written

	logger.Info().Str("reason", session.CloseReason()).Msg("websocket session disconnected")
}

func (h *RealtimeHandler) readWebSocket(ctx context.Context, conn *websocket.Conn, session *realtime.Session, logger zerolog.Logger) string {
	conn.SetReadLimit(realtimeMaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))
	conn.SetPongHandler(func(string) error {
		session.Touch(time.Now())
		return conn.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return h.readFailureReason(session, err, logger)
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))
		session.Touch(time.Now())

		envelopes, err := protocol.DecodeEnvelopes(payload)
		if err != nil {
			logger.Warn().Err(err).Msg("discarding malformed websocket frame")
			continue
		}
		for _, envelope := range envelopes {
			if err := h.hub.Dispatch(ctx, session, envelope); err != nil {
				if errors.Is(err, realtime.ErrSessionClosed) {
					return session.CloseReason()
				}
				logger.Warn().Err(err).Str("event", envelope.Event).Msg("failed to dispatch websocket event")
				return realtime.ReasonServerShutdown
			}
		}
	}
}

func (h *RealtimeHandler) readFailureReason(session *realtime.Session, err error, logger zerolog.Logger) string {
	select {
	case <-session.Done():
		return session.CloseReason()
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return realtime.ReasonClientDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return realtime.ReasonPingTimeout
	}
	logger.Debug().Err(err).Msg("websocket read loop ended")
	return realtime.ReasonTransportError
}

func (h *RealtimeHandler) writeWebSocket(conn *websocket.Conn, session *realtime.Session, logger zerolog.Logger) {
	// closing the connection unblocks the reader when the hub ends the session
	defer func() {
		_ = conn.Close()
	}()

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case envelope := <-session.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(envelope); err != nil {
				logger.Debug().Err(err).Msg("websocket write loop terminated")
				h.hub.Disconnect(session, realtime.ReasonTransportError)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(realtimeWriteWait)); err != nil {
				logger.Debug().Err(err).Msg("websocket ping failed")
				h.hub.Disconnect(session, realtime.ReasonTransportError)
				return
			}
		case <-session.Done():
			code := websocket.CloseNormalClosure
			switch session.CloseReason() {
			case realtime.ReasonSlowConsumer:
				code = websocket.ClosePolicyViolation
			case realtime.ReasonServerShutdown:
				code = websocket.CloseGoingAway
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, session.CloseReason()), time.Now().Add(realtimeWriteWait))
			return
		}
	}
}

func (h *RealtimeHandler) pollingSession(c *fiber.Ctx) (*realtime.Session, bool) {
	sid := strings.TrimSpace(c.Params("sid"))
	if sid == "" {
		return nil, false
	}
	session, ok := h.hub.Session(sid)
	if !ok || session.Transport() != realtime.TransportPolling {
		return nil, false
	}
	return session, true
}

func (h *RealtimeHandler) openPolling(c *fiber.Ctx) error {
	ctx := middleware.ContextWithCorrelation(c.UserContext(), middleware.GetCorrelationID(c))
	session, err := h.hub.Connect(ctx, realtime.TransportPolling)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to open polling session")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "realtime unavailable")
	}

	requestLogger(h.logger, c).Info().Str("session_id", session.ID()).Msg("polling session connected")
	return c.Status(fiber.StatusCreated).JSON(protocol.Handshake{
		SessionID:    session.ID(),
		PingInterval: h.opts.PingInterval.Milliseconds(),
		PingTimeout:  h.opts.PingTimeout.Milliseconds(),
	})
}

func (h *RealtimeHandler) poll(c *fiber.Ctx) error {
	session, ok := h.pollingSession(c)
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "session not found")
	}
	session.Touch(time.Now())
	defer func() {
		session.Touch(time.Now())
	}()

	timer := time.NewTimer(h.opts.PollTimeout)
	defer timer.Stop()

	batch := make([]protocol.Envelope, 0, 8)
	select {
	case envelope := <-session.Outbox():
		batch = append(batch, envelope)
	case <-session.Done():
		return utils.SendError(c, fiber.StatusNotFound, "session closed: "+session.CloseReason())
	case <-timer.C:
		return c.JSON(batch)
	}

drain:
	for len(batch) < pollMaxBatch {
		select {
		case envelope := <-session.Outbox():
			batch = append(batch, envelope)
		default:
			break drain
		}
	}
	return c.JSON(batch)
}

func (h *RealtimeHandler) pushPolling(c *fiber.Ctx) error {
	session, ok := h.pollingSession(c)
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "session not found")
	}
	session.Touch(time.Now())

	envelopes, err := protocol.DecodeEnvelopes(c.Body())
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := middleware.ContextWithCorrelation(context.Background(), middleware.GetCorrelationID(c))
	for _, envelope := range envelopes {
		if err := h.hub.Dispatch(ctx, session, envelope); err != nil {
			if errors.Is(err, realtime.ErrSessionClosed) {
				return utils.SendError(c, fiber.StatusNotFound, "session closed")
			}
			requestLogger(h.logger, c).Warn().Err(err).Str("session_id", session.ID()).Msg("failed to dispatch polling event")
			return utils.SendError(c, fiber.StatusServiceUnavailable, "realtime unavailable")
		}
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "events accepted", fiber.Map{"accepted": len(envelopes)})
}

func (h *RealtimeHandler) closePolling(c *fiber.Ctx) error {
	session, ok := h.pollingSession(c)
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "session not found")
	}
	h.hub.Disconnect(session, realtime.ReasonClientDisconnect)
	requestLogger(h.logger, c).Info().Str("session_id", session.ID()).Msg("polling session disconnected")
	return utils.SendSuccess(c, "session closed", nil)
}
