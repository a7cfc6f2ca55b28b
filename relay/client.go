package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	substrate "github.com/rookdaemon/substrate-sub003"
)

const (
	clientPingPeriod   = 30 * time.Second
	clientPongWait     = 75 * time.Second
	clientWriteWait    = 10 * time.Second
	backoffInitial     = time.Second
	backoffDefaultCap  = 5 * time.Minute
	clientDedupEntries = 10000
)

// EnvelopeHandler receives each verified, deduplicated inbound envelope.
type EnvelopeHandler func(substrate.Envelope)

// ClientConfig carries the relay client's settings.
type ClientConfig struct {
	URL        string
	PrivateKey ed25519.PrivateKey
	// BackoffCap bounds the reconnect delay. Zero means five minutes.
	BackoffCap time.Duration
}

// Client keeps a persistent WebSocket to the relay: it registers on open,
// heartbeats every 30 seconds, reconnects with exponential backoff, drops
// duplicate envelopes and verifies signatures before handing envelopes to
// the handler.
type Client struct {
	cfg     ClientConfig
	pub     ed25519.PublicKey
	handler EnvelopeHandler
	logger  *slog.Logger
	dedup   *dedupSet

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	shouldReconnect  bool
	reconnectBackoff time.Duration
}

// NewClient creates the relay client. The handler may be nil; inbound
// envelopes are then dropped after verification.
func NewClient(cfg ClientConfig, handler EnvelopeHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = backoffDefaultCap
	}
	return &Client{
		cfg:              cfg,
		pub:              cfg.PrivateKey.Public().(ed25519.PublicKey),
		handler:          handler,
		logger:           logger,
		dedup:            newDedupSet(clientDedupEntries),
		shouldReconnect:  true,
		reconnectBackoff: backoffInitial,
	}
}

// Fingerprint returns the client's own identity.
func (c *Client) Fingerprint() string { return substrate.Fingerprint(c.pub) }

// Connected reports whether the client holds a registered connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// Disconnect is called. It blocks and is meant to run in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		c.mu.Lock()
		again := c.shouldReconnect
		delay := c.reconnectBackoff
		c.mu.Unlock()
		if !again || ctx.Err() != nil {
			return
		}

		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("relay connection lost", "error", err, "retryIn", delay)
		}

		c.mu.Lock()
		again = c.shouldReconnect
		delay = c.reconnectBackoff
		c.reconnectBackoff = delay * 2
		if c.reconnectBackoff > c.cfg.BackoffCap {
			c.reconnectBackoff = c.cfg.BackoffCap
		}
		c.mu.Unlock()
		if !again {
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce dials, registers and services one connection until it drops.
func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
	}()

	if err := c.writeFrame(wsFrame{Type: "register", PublicKey: c.Fingerprint()}); err != nil {
		return err
	}

	// Heartbeat and ctx cancellation run beside the read loop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(clientPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.writeFrame(wsFrame{Type: "ping"}); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	conn.SetReadLimit(256 * 1024)
	conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(clientPongWait))

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("malformed relay frame", "error", err)
			continue
		}
		switch frame.Type {
		case "registered":
			c.mu.Lock()
			c.connected = true
			c.reconnectBackoff = backoffInitial
			c.mu.Unlock()
			c.logger.Info("relay registered", "url", c.cfg.URL)
		case "message":
			c.handleMessage(frame)
		case "pong":
			// Liveness confirmed by the read deadline reset above.
		case "error":
			c.logger.Warn("relay error frame", "message", frame.Message)
		}
	}
}

func (c *Client) handleMessage(frame wsFrame) {
	if frame.Envelope == nil {
		return
	}
	env := *frame.Envelope
	if err := env.Verify(); err != nil {
		c.logger.Warn("inbound envelope failed verification", "error", err)
		return
	}
	if c.dedup.Seen(env.ID) {
		return
	}
	if c.handler != nil {
		c.handler(env)
	}
}

// Send routes a signed envelope to a peer. It returns ErrNotConnected when
// the relay link is down; callers decide whether to retry or defer.
func (c *Client) Send(to string, env substrate.Envelope) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return substrate.ErrNotConnected
	}
	return c.writeFrame(wsFrame{Type: "message", To: to, Envelope: &env})
}

// writeFrame serialises one frame onto the socket. Writes are serialised by
// the client mutex; gorilla connections allow one concurrent writer.
func (c *Client) writeFrame(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return substrate.ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteJSON(frame)
}

// Disconnect stops reconnection and closes the current socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
