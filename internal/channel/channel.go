// Package channel implements the reconnecting websocket engine shared
// by the session-sync and pane-output streams. One engine, two
// configurations: the consumer supplies a URL provider, a frame
// handler, and an optional reconnect predicate.
package channel

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-command/watchd/internal/metrics"
)

// Liveness sentinels. Bare text frames, not JSON, exchanged in both
// directions and consumed before the frame handler sees anything.
const (
	pingFrame = "ping"
	pongFrame = "pong"
)

type Options struct {
	// URL supplies the dial target on every connect attempt. An empty
	// result means there is currently nothing to connect to.
	URL func() string
	// OnMessage receives application frames in arrival order. Liveness
	// sentinels are filtered out before this is called.
	OnMessage func(data []byte)
	OnOpen    func()
	OnClose   func()
	// ShouldReconnect gates automatic reconnection after an unexpected
	// close. Nil means always reconnect.
	ShouldReconnect func() bool
	// Header is sent with the websocket handshake (auth and the like).
	Header http.Header

	PingInterval time.Duration
	PongTimeout  time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration
}

// Channel is a reconnecting, keep-alive-checked websocket connection.
// The zero value is not usable; call New. All timers and the socket
// handle are owned by the channel and die with Disconnect.
type Channel struct {
	opts Options

	mu             sync.Mutex
	conn           *websocket.Conn
	gen            int
	closed         bool
	attempts       int
	reconnectTimer *time.Timer
	keepaliveStop  chan struct{}
	lastAck        time.Time
}

func New(opts Options) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Channel{opts: opts}
}

// Backoff computes the reconnect delay for the given attempt count:
// base doubled per attempt plus uniform jitter, clamped to max.
func Backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	d := max
	if attempt < 62 {
		if shifted := base << uint(attempt); shifted > 0 && shifted < max {
			d = shifted
		}
	}
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
		if d > max {
			d = max
		}
	}
	return d
}

// Connect opens the transport. A no-op when already connected. A dial
// failure is returned to the caller once and retried automatically; a
// channel is only ever finished by Disconnect.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel is disconnected")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	url := c.opts.URL()
	if url == "" {
		c.mu.Unlock()
		return fmt.Errorf("no target to connect to")
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, _, err := dialer.Dial(url, c.opts.Header)
	if err != nil {
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("channel is disconnected")
	}
	if c.conn != nil {
		// A concurrent Connect won the race while we were dialing.
		// There is exactly one live transport per channel; discard ours.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.lastAck = time.Now()
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.mu.Unlock()

	go c.reader(conn, gen)
	go c.keepalive(conn, gen, stop)

	if c.opts.OnOpen != nil {
		go c.opts.OnOpen()
	}
	return nil
}

// Disconnect cancels every pending timer, closes the live transport,
// and makes the channel terminal. No callback fires afterwards.
// Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ForceReconnect resets the backoff and reopens the socket
// immediately. Used when returning from a backgrounded state.
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	// Invalidate the old reader so its close handling does not race
	// the fresh connection.
	c.gen++
	c.mu.Unlock()

	if err := c.Connect(); err != nil {
		// retry already scheduled by Connect
		_ = err
	}
}

// SetForeground is the host-environment visibility hook. Coming back
// to the foreground either revives a dead socket or probes one that
// merely looks open.
func (c *Channel) SetForeground(foreground bool) {
	if !foreground {
		return
	}
	if c.Connected() {
		c.sendSentinel(pingFrame)
		return
	}
	c.ForceReconnect()
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send marshals v as JSON and writes it as one text frame.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return c.write(data)
}

func (c *Channel) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) sendSentinel(frame string) {
	_ = c.write([]byte(frame))
}

func (c *Channel) reader(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen)
			return
		}

		switch string(data) {
		case pongFrame:
			c.mu.Lock()
			if c.gen == gen {
				c.lastAck = time.Now()
			}
			c.mu.Unlock()
			continue
		case pingFrame:
			c.sendSentinel(pongFrame)
			continue
		}

		if c.opts.OnMessage != nil {
			c.opts.OnMessage(data)
		}
	}
}

// keepalive periodically probes the peer and force-closes a socket
// that has not acked within pingInterval+pongTimeout. The close feeds
// the reader's normal close-and-retry path, so staleness and clean
// close converge on one recovery algorithm.
func (c *Channel) keepalive(conn *websocket.Conn, gen int, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.gen == gen && time.Since(c.lastAck) > c.opts.PingInterval+c.opts.PongTimeout
			current := c.gen == gen && c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}
			if stale {
				conn.Close()
				return
			}
			c.sendSentinel(pingFrame)
		}
	}
}

// handleClose runs for both socket errors and clean closes; the two
// paths are identical from here on.
func (c *Channel) handleClose(conn *websocket.Conn, gen int) {
	conn.Close()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

// scheduleReconnectLocked arms the single reconnect timer. A no-op if
// one is already pending or the consumer's predicate declines.
func (c *Channel) scheduleReconnectLocked() {
	if c.closed || c.reconnectTimer != nil {
		return
	}
	if c.opts.ShouldReconnect != nil && !c.opts.ShouldReconnect() {
		return
	}
	delay := Backoff(c.attempts, c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Jitter)
	c.attempts++
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		metrics.ReconnectAttempts.Inc()
		if err := c.Connect(); err != nil {
			// next retry already scheduled by Connect
			_ = err
		}
	})
}

// PendingReconnect reports whether a reconnect timer is armed.
func (c *Channel) PendingReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

// Attempts returns the failed-cycle count feeding the backoff.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
