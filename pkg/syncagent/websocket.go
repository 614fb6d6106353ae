package syncagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

const (
	wsWriteWait        = 10 * time.Second
	wsHandshakeTimeout = 20 * time.Second
	wsReadTimeout      = 90 * time.Second
)

// WebSocketTransport connects over a websocket (the low-latency mode).
type WebSocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// ReadTimeout bounds the silence tolerated between server frames or pings.
	ReadTimeout time.Duration
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		}
	}

	ws, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrTransport, err)
	}

	readTimeout := t.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = wsReadTimeout
	}

	conn := &wsConn{ws: ws, inbox: newInbox(), readTimeout: readTimeout}
	go conn.readLoop()
	return conn, nil
}

type wsConn struct {
	ws          *websocket.Conn
	inbox       *inbox
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

func (c *wsConn) Transport() string { return "websocket" }

func (c *wsConn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if c.inbox.closed() {
				return
			}
			c.inbox.fail(fmt.Errorf("%w: websocket read: %v", ErrTransport, err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		envelopes, err := protocol.DecodeEnvelopes(payload)
		if err != nil {
			continue
		}
		for _, envelope := range envelopes {
			if !c.inbox.push(envelope) {
				return
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, envelope protocol.Envelope) error {
	if c.inbox.closed() {
		return fmt.Errorf("%w: %v", ErrTransport, errConnClosed)
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(envelope); err != nil {
		return fmt.Errorf("%w: websocket write: %v", ErrTransport, err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	return c.inbox.receive(ctx)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.inbox.fail(fmt.Errorf("%w: %v", ErrTransport, errConnClosed))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
