// Package stream is the pane-output specialization of the channel
// engine: bound to one pane target at a time, last-write-wins output
// buffer, debounced resize negotiation.
package stream

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/session-command/watchd/internal/channel"
)

type Options struct {
	// BaseURL is the daemon's websocket root, e.g. "ws://127.0.0.1:7591".
	BaseURL string
	Header  http.Header
	// OnOutput receives the full replacement buffer on every output
	// frame, and an empty string when the target is switched or cleared.
	OnOutput func(output string)
	OnState  func(connected bool)

	ResizeDebounce time.Duration
	// ReconnectDelay is the fixed delay for re-dialing a still-set
	// target after a drop. Output streams skip exponential backoff:
	// the pane is usually still alive.
	ReconnectDelay time.Duration
}

type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type outputFrame struct {
	Output *string `json:"output"`
}

type Stream struct {
	opts Options

	mu          sync.Mutex
	target      string
	ch          *channel.Channel
	output      string
	resizeTimer *time.Timer
	pendingCols int
	pendingRows int
	sentCols    int
	sentRows    int
}

func New(opts Options) *Stream {
	if opts.ResizeDebounce <= 0 {
		opts.ResizeDebounce = 150 * time.Millisecond
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Stream{opts: opts}
}

// Connect binds the stream to a pane target. A no-op when already
// connected to the same target. Switching targets tears the old
// connection down synchronously and clears the buffer first, so stale
// content from the previous pane is never shown.
func (s *Stream) Connect(target string) error {
	s.mu.Lock()
	if s.target == target && s.ch != nil {
		s.mu.Unlock()
		return nil
	}
	old := s.ch
	s.ch = nil
	s.target = target
	s.output = ""
	s.sentCols, s.sentRows = 0, 0
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	if s.opts.OnOutput != nil {
		s.opts.OnOutput("")
	}
	if target == "" {
		return nil
	}

	ch := channel.New(channel.Options{
		URL: func() string {
			s.mu.Lock()
			t := s.target
			s.mu.Unlock()
			if t == "" {
				return ""
			}
			return s.opts.BaseURL + "/ws/output/" + url.PathEscape(t)
		},
		Header:    s.opts.Header,
		OnMessage: func(data []byte) { s.handleFrame(target, data) },
		OnOpen: func() {
			if s.opts.OnState != nil {
				s.opts.OnState(true)
			}
		},
		OnClose: func() {
			if s.opts.OnState != nil {
				s.opts.OnState(false)
			}
		},
		// Reconnect only while this target is still the bound one.
		ShouldReconnect: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.target == target && s.ch != nil
		},
		BaseDelay: s.opts.ReconnectDelay,
		MaxDelay:  s.opts.ReconnectDelay,
	})

	s.mu.Lock()
	if s.target != target {
		// switched again while we were setting up
		s.mu.Unlock()
		ch.Disconnect()
		return nil
	}
	s.ch = ch
	s.mu.Unlock()

	return ch.Connect()
}

// Disconnect unbinds the target and finishes the underlying channel.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.target = ""
	s.output = ""
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	s.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
}

// SetForeground forwards the host visibility signal.
func (s *Stream) SetForeground(foreground bool) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch != nil {
		ch.SetForeground(foreground)
	}
}

func (s *Stream) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Stream) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *Stream) Connected() bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch != nil && ch.Connected()
}

// SendResize requests a pane resize. Identical back-to-back sizes are
// suppressed; bursts are debounced so only the final size goes out.
func (s *Stream) SendResize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols == s.sentCols && rows == s.sentRows {
		// Back to the size already on the wire: whatever intermediate
		// size is waiting on the timer must not go out either.
		s.pendingCols, s.pendingRows = cols, rows
		if s.resizeTimer != nil {
			s.resizeTimer.Stop()
			s.resizeTimer = nil
		}
		return
	}
	s.pendingCols, s.pendingRows = cols, rows
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(s.opts.ResizeDebounce, s.flushResize)
}

func (s *Stream) flushResize() {
	s.mu.Lock()
	s.resizeTimer = nil
	cols, rows := s.pendingCols, s.pendingRows
	ch := s.ch
	if ch == nil || (cols == s.sentCols && rows == s.sentRows) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := ch.Send(resizeFrame{Type: "resize", Cols: cols, Rows: rows}); err != nil {
		return
	}

	s.mu.Lock()
	s.sentCols, s.sentRows = cols, rows
	s.mu.Unlock()
}

// handleFrame applies one inbound frame. A frame with an output field
// replaces the whole buffer; the server is the authority on current
// content.
func (s *Stream) handleFrame(target string, data []byte) {
	var frame outputFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Output == nil {
		return
	}

	s.mu.Lock()
	if s.target != target {
		// late frame from a previous target
		s.mu.Unlock()
		return
	}
	s.output = *frame.Output
	s.mu.Unlock()

	if s.opts.OnOutput != nil {
		s.opts.OnOutput(*frame.Output)
	}
}
