package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/session-command/watchd/internal/metrics"
	"github.com/session-command/watchd/internal/tmux"
)

// HandleOutput serves the per-pane output stream at /ws/output/{target}.
// All viewers of the same pane share one attach bridge.
func (h *Hub) HandleOutput(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Unescape the raw path, not r.URL.Path: net/http already decoded
	// that once, and pane ids like "%1" arrive percent-encoded.
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/ws/output/")
	target, err := url.PathUnescape(raw)
	if err != nil || target == "" {
		http.Error(w, "bad target", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	v := &viewer{id: uuid.NewString(), conn: conn}
	b, err := h.broadcaster(target, v)
	if err != nil {
		log.Printf("Failed to attach to %s: %v", target, err)
		conn.Close()
		return
	}

	// Current buffer straight away so the pane renders before the
	// first coalesce tick.
	if data, err := outputPayload(b.bridge.Output()); err == nil {
		_ = v.send(websocket.TextMessage, data)
	}

	h.outputReadLoop(b, v)
}

// broadcaster returns the live broadcaster for target with v already
// registered on it, creating one if needed. Registration happens under
// outMu so a departing last viewer cannot tear the bridge down between
// lookup and join.
func (h *Hub) broadcaster(target string, v *viewer) (*outputBroadcaster, error) {
	h.outMu.Lock()
	defer h.outMu.Unlock()

	if b, ok := h.outputs[target]; ok && !b.bridge.IsClosed() {
		b.addViewer(v)
		return b, nil
	}

	bridge, err := h.tmux.NewAttachBridge(target, h.cfg.Stream.OutputMaxBytes)
	if err != nil {
		return nil, err
	}

	b := newOutputBroadcaster(target, bridge, time.Duration(h.cfg.Stream.CoalesceMs)*time.Millisecond)
	bridge.SetExitHandler(func() {
		h.dropBroadcaster(target, b)
	})
	h.outputs[target] = b
	b.addViewer(v)
	go b.run()
	return b, nil
}

// dropBroadcaster unconditionally closes b; used when the attach
// process itself exits (pane gone). Connected viewers are closed and
// reconnect into a fresh bridge, or stay down if the pane truly died.
func (h *Hub) dropBroadcaster(target string, b *outputBroadcaster) {
	h.outMu.Lock()
	if h.outputs[target] == b {
		delete(h.outputs, target)
	}
	h.outMu.Unlock()
	b.close()
}

// releaseViewer removes v and, if it was the last viewer, tears the
// bridge down. Serialized with broadcaster() on outMu so a joining
// viewer never lands on a broadcaster mid-teardown.
func (h *Hub) releaseViewer(b *outputBroadcaster, v *viewer) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	if b.removeViewer(v) > 0 {
		return
	}
	if h.outputs[b.target] == b {
		delete(h.outputs, b.target)
	}
	b.close()
}

func (h *Hub) outputReadLoop(b *outputBroadcaster, v *viewer) {
	defer func() {
		v.conn.Close()
		h.releaseViewer(b, v)
	}()

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}

		switch string(data) {
		case pingFrame:
			_ = v.send(websocket.TextMessage, []byte(pongFrame))
			continue
		case pongFrame:
			continue
		}

		var frame struct {
			Type string `json:"type"`
			Cols int    `json:"cols"`
			Rows int    `json:"rows"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "resize" && frame.Cols > 0 && frame.Rows > 0 {
			if err := b.bridge.Resize(frame.Cols, frame.Rows); err != nil {
				log.Printf("Failed to resize %s: %v", b.target, err)
			}
		}
	}
}

func outputPayload(output string) ([]byte, error) {
	return json.Marshal(map[string]string{"output": output})
}

// outputBroadcaster fans one attach bridge out to any number of
// stream viewers, coalescing bursts of pty reads into at most one
// full-buffer frame per tick.
type outputBroadcaster struct {
	target   string
	bridge   *tmux.AttachBridge
	coalesce time.Duration

	mu       sync.Mutex
	viewers  map[string]*viewer
	lastSent string
	dirty    bool
	done     chan struct{}
	once     sync.Once
}

func newOutputBroadcaster(target string, bridge *tmux.AttachBridge, coalesce time.Duration) *outputBroadcaster {
	if coalesce <= 0 {
		coalesce = 100 * time.Millisecond
	}
	b := &outputBroadcaster{
		target:   target,
		bridge:   bridge,
		coalesce: coalesce,
		viewers:  make(map[string]*viewer),
		done:     make(chan struct{}),
	}
	bridge.SetChangeHandler(func() {
		b.mu.Lock()
		b.dirty = true
		b.mu.Unlock()
	})
	return b
}

func (b *outputBroadcaster) addViewer(v *viewer) {
	b.mu.Lock()
	b.viewers[v.id] = v
	b.mu.Unlock()
}

// removeViewer unregisters v and returns how many viewers remain.
func (b *outputBroadcaster) removeViewer(v *viewer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.viewers, v.id)
	return len(b.viewers)
}

func (b *outputBroadcaster) close() {
	b.once.Do(func() {
		close(b.done)
		b.bridge.Close()
		b.mu.Lock()
		for id, v := range b.viewers {
			v.conn.Close()
			delete(b.viewers, id)
		}
		b.mu.Unlock()
	})
}

func (b *outputBroadcaster) run() {
	ticker := time.NewTicker(b.coalesce)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush sends the current buffer to every viewer if it changed since
// the last frame. Suppressing identical frames keeps idle panes
// silent on the wire.
func (b *outputBroadcaster) flush() {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return
	}
	b.dirty = false
	targets := make([]*viewer, 0, len(b.viewers))
	for _, v := range b.viewers {
		targets = append(targets, v)
	}
	last := b.lastSent
	b.mu.Unlock()

	output := b.bridge.Output()
	if output == last {
		return
	}

	data, err := outputPayload(output)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.lastSent = output
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	metrics.OutputFrames.Inc()

	for _, v := range targets {
		if err := v.send(websocket.TextMessage, data); err != nil {
			v.conn.Close()
		}
	}
}
