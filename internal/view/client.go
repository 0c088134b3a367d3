package view

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/session-command/watchd/internal/channel"
	"github.com/session-command/watchd/internal/record"
)

// ClientOptions configures the sync client that feeds a View from a
// running daemon.
type ClientOptions struct {
	// BaseURL is the daemon's websocket root, e.g. "ws://127.0.0.1:7591".
	BaseURL string
	Header  http.Header
	// OnUpdate fires after each applied snapshot.
	OnUpdate func()

	PingInterval time.Duration
	PongTimeout  time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration
}

type sessionsFrame struct {
	Type     string           `json:"type"`
	Sessions []record.Session `json:"sessions"`
}

// Client binds a channel engine to a View: snapshots in, nothing but
// liveness out.
type Client struct {
	view *View
	ch   *channel.Channel
	opts ClientOptions
}

func NewClient(v *View, opts ClientOptions) *Client {
	c := &Client{view: v, opts: opts}
	c.ch = channel.New(channel.Options{
		URL:          func() string { return opts.BaseURL + "/ws/sessions" },
		Header:       opts.Header,
		OnMessage:    c.handleFrame,
		OnOpen:       func() { v.SetConnected(true) },
		OnClose:      func() { v.SetConnected(false) },
		PingInterval: opts.PingInterval,
		PongTimeout:  opts.PongTimeout,
		BaseDelay:    opts.BaseDelay,
		MaxDelay:     opts.MaxDelay,
		Jitter:       opts.Jitter,
	})
	return c
}

func (c *Client) Connect() error {
	return c.ch.Connect()
}

func (c *Client) Disconnect() {
	c.ch.Disconnect()
	c.view.SetConnected(false)
}

func (c *Client) SetForeground(foreground bool) {
	c.ch.SetForeground(foreground)
}

// SendKeys asks the daemon to type into a session's pane.
func (c *Client) SendKeys(id string, keys []string) error {
	return c.ch.Send(map[string]any{"type": "keys", "id": id, "keys": keys})
}

// Dismiss asks the daemon to delete a session record and kill its
// process if still alive.
func (c *Client) Dismiss(id string) error {
	return c.ch.Send(map[string]any{"type": "dismiss", "id": id})
}

func (c *Client) handleFrame(data []byte) {
	var frame sessionsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("Failed to parse sync frame: %v", err)
		return
	}
	if frame.Type != "sessions" {
		return
	}
	c.view.Apply(frame.Sessions)
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate()
	}
}
