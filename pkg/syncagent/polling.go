package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

const (
	pollRequestTimeout = 20 * time.Second
	pollRetryDelay     = 250 * time.Millisecond
)

// PollingTransport connects through HTTP long-polling (the fallback mode).
type PollingTransport struct {
	// URL is the polling endpoint, e.g. http://host/realtime/polling.
	URL    string
	Client *http.Client
	Header http.Header
}

// Name implements Transport.
func (t *PollingTransport) Name() string { return "polling" }

// Dial implements Transport.
func (t *PollingTransport) Dial(ctx context.Context) (Conn, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(t.URL, "/")

	dialCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dialCtx, http.MethodPost, base, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: polling handshake: %v", ErrTransport, err)
	}
	copyHeader(req.Header, t.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: polling handshake: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: polling handshake: unexpected status %d", ErrTransport, resp.StatusCode)
	}

	var handshake protocol.Handshake
	if err := json.NewDecoder(resp.Body).Decode(&handshake); err != nil {
		return nil, fmt.Errorf("%w: polling handshake: %v", ErrTransport, err)
	}
	if handshake.SessionID == "" {
		return nil, fmt.Errorf("%w: polling handshake without session id", ErrTransport)
	}

	pollTimeout := time.Duration(handshake.PingTimeout) * time.Millisecond
	if pollTimeout <= 0 {
		pollTimeout = wsReadTimeout
	}

	loopCtx, stop := context.WithCancel(context.Background())
	conn := &pollConn{
		client:      client,
		header:      t.Header,
		sessionURL:  base + "/" + handshake.SessionID,
		pollTimeout: pollTimeout,
		inbox:       newInbox(),
		stop:        stop,
	}
	go conn.pollLoop(loopCtx)
	return conn, nil
}

type pollConn struct {
	client      *http.Client
	header      http.Header
	sessionURL  string
	pollTimeout time.Duration
	inbox       *inbox
	stop        context.CancelFunc
	closeOnce   sync.Once
}

func (c *pollConn) Transport() string { return "polling" }

func (c *pollConn) pollLoop(ctx context.Context) {
	failures := 0
	for {
		envelopes, err := c.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			// a single failed poll is retried; the session is gone once the server forgets it
			if isGone(err) || failures > 1 {
				c.inbox.fail(err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		failures = 0
		for _, envelope := range envelopes {
			if !c.inbox.push(envelope) {
				return
			}
		}
	}
}

type goneError struct{ status int }

func (e goneError) Error() string { return fmt.Sprintf("polling session gone (status %d)", e.status) }

func isGone(err error) bool {
	var gone goneError
	return errors.As(err, &gone)
}

func (c *pollConn) poll(ctx context.Context) ([]protocol.Envelope, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	copyHeader(req.Header, c.header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %w", ErrTransport, goneError{status: resp.StatusCode})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll: unexpected status %d", ErrTransport, resp.StatusCode)
	}

	var envelopes []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, fmt.Errorf("%w: poll: %v", ErrTransport, err)
	}
	return envelopes, nil
}

func (c *pollConn) Send(ctx context.Context, envelope protocol.Envelope) error {
	if c.inbox.closed() {
		return fmt.Errorf("%w: %v", ErrTransport, errConnClosed)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.sessionURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	copyHeader(req.Header, c.header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: send: unexpected status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	return c.inbox.receive(ctx)
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.inbox.fail(fmt.Errorf("%w: %v", ErrTransport, errConnClosed))
		c.stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.sessionURL, nil)
		if err != nil {
			return
		}
		copyHeader(req.Header, c.header)
		if resp, err := c.client.Do(req); err == nil {
			_ = resp.Body.Close()
		}
	})
	return nil
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
