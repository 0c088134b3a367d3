// Package hub is the server side of the sync protocol: it turns
// watcher signals into full-session snapshots fanned out to every
// connected viewer, and serves per-pane output streams.
package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/session-command/watchd/internal/config"
	"github.com/session-command/watchd/internal/metrics"
	"github.com/session-command/watchd/internal/proc"
	"github.com/session-command/watchd/internal/record"
	"github.com/session-command/watchd/internal/tmux"
	"github.com/session-command/watchd/internal/watch"
)

const (
	pingFrame = "ping"
	pongFrame = "pong"
)

type Hub struct {
	cfg     *config.Config
	store   *record.Store
	watcher *watch.Watcher
	tmux    *tmux.Client
	git     *tmux.GitRootCache

	mu          sync.Mutex
	token       string
	viewers     map[string]*viewer
	unsubscribe func()

	outMu   sync.Mutex
	outputs map[string]*outputBroadcaster

	upgrader websocket.Upgrader
}

// viewer is one connected sync client. The write mutex serializes the
// snapshot pusher against pong replies from the read loop.
type viewer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (v *viewer) send(messageType int, data []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.conn.WriteMessage(messageType, data)
}

func New(cfg *config.Config, store *record.Store, watcher *watch.Watcher, tmuxClient *tmux.Client) *Hub {
	return &Hub{
		cfg:     cfg,
		store:   store,
		watcher: watcher,
		tmux:    tmuxClient,
		token:   cfg.Server.Token,
		git:     tmux.NewGitRootCache(10 * time.Second),
		viewers: make(map[string]*viewer),
		outputs: make(map[string]*outputBroadcaster),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
	}
}

// Start subscribes the hub to record changes. Snapshots flow only
// while at least one viewer is connected; the subscription itself is
// held for the hub's lifetime so the watcher loop stays warm.
func (h *Hub) Start() {
	h.unsubscribe = h.watcher.Subscribe(h.pushSnapshot)
}

func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}

	h.mu.Lock()
	for id, v := range h.viewers {
		v.conn.Close()
		delete(h.viewers, id)
	}
	h.mu.Unlock()

	h.outMu.Lock()
	for target, b := range h.outputs {
		b.close()
		delete(h.outputs, target)
	}
	h.outMu.Unlock()
}

// SetToken swaps the bearer token at runtime; used by config reload.
func (h *Hub) SetToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

func (h *Hub) authorized(r *http.Request) bool {
	h.mu.Lock()
	token := h.token
	h.mu.Unlock()
	if token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

// HandleSessions serves the sync channel at /ws/sessions.
func (h *Hub) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	v := &viewer{id: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.viewers[v.id] = v
	metrics.Viewers.Set(float64(len(h.viewers)))
	h.mu.Unlock()

	// A fresh viewer gets the current state immediately rather than
	// waiting for the next record change.
	if data, err := h.snapshotFrame(); err == nil {
		_ = v.send(websocket.TextMessage, data)
	}

	h.readLoop(v)
}

func (h *Hub) readLoop(v *viewer) {
	defer func() {
		v.conn.Close()
		h.mu.Lock()
		delete(h.viewers, v.id)
		metrics.Viewers.Set(float64(len(h.viewers)))
		h.mu.Unlock()
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

		h.handleCommand(data)
	}
}

type commandFrame struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Keys []string `json:"keys"`
}

// handleCommand services the few client-to-server operations on the
// sync channel. Failures are logged, never fatal to the connection.
func (h *Hub) handleCommand(data []byte) {
	var cmd commandFrame
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("Failed to parse command frame: %v", err)
		return
	}

	switch cmd.Type {
	case "keys":
		sess, ok := h.store.Get(cmd.ID)
		if !ok || sess.TmuxTarget == "" {
			return
		}
		if err := h.tmux.SendKeys(sess.TmuxTarget, cmd.Keys); err != nil {
			log.Printf("Failed to send keys to %s: %v", sess.TmuxTarget, err)
		}
	case "dismiss":
		sess, ok := h.store.Get(cmd.ID)
		if ok {
			switch {
			case sess.Pid > 0:
				if err := proc.Kill(sess.Pid); err != nil {
					log.Printf("Failed to kill pid %d: %v", sess.Pid, err)
				}
			case sess.TmuxTarget != "":
				// No pid recorded; take the pane down instead.
				if err := h.tmux.KillPane(sess.TmuxTarget); err != nil {
					log.Printf("Failed to kill pane %s: %v", sess.TmuxTarget, err)
				}
			}
		}
		if err := h.store.Delete(cmd.ID); err != nil {
			log.Printf("Failed to delete record %s: %v", cmd.ID, err)
		}
	default:
		log.Printf("Unknown command type %q", cmd.Type)
	}
}

// pushSnapshot reads the full record set and fans it out to every
// viewer. Runs once per dirty watcher cycle.
func (h *Hub) pushSnapshot() {
	data, err := h.snapshotFrame()
	if err != nil {
		log.Printf("Failed to build snapshot: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	metrics.SnapshotsPushed.Inc()

	for _, v := range targets {
		if err := v.send(websocket.TextMessage, data); err != nil {
			// read loop will notice and unregister
			v.conn.Close()
		}
	}
}

func (h *Hub) snapshotFrame() ([]byte, error) {
	sessions, err := h.store.List()
	if err != nil {
		return nil, err
	}
	h.enrich(sessions)
	return json.Marshal(map[string]any{
		"type":     "sessions",
		"sessions": sessions,
	})
}

// enrich annotates records with facts only the daemon host can see:
// whether the backing pane still exists and which git repo the cwd
// belongs to. The record id is never touched.
func (h *Hub) enrich(sessions []record.Session) {
	if len(sessions) == 0 {
		return
	}

	snap := proc.TakeSnapshot()
	liveTargets := h.liveTargets()

	for i := range sessions {
		sess := &sessions[i]
		if sess.TmuxTarget != "" && liveTargets != nil {
			if _, ok := liveTargets[sess.TmuxTarget]; !ok {
				sess.TmuxTarget = ""
			}
		}
		if sess.Pid > 0 && !snap.Alive(sess.Pid) {
			sess.Pid = 0
		}
		if sess.GitRoot == "" && sess.CWD != "" {
			sess.GitRoot = h.git.Root(sess.CWD)
		}
	}
}

// liveTargets returns the set of pane targets tmux currently knows,
// or nil when tmux is unreachable (in which case targets are left as
// recorded rather than wrongly cleared).
func (h *Hub) liveTargets() map[string]struct{} {
	panes, err := h.tmux.ListPanes()
	if err != nil {
		return nil
	}
	targets := make(map[string]struct{}, len(panes))
	for _, p := range panes {
		targets[p.Target()] = struct{}{}
		targets[p.PaneID] = struct{}{}
	}
	return targets
}
