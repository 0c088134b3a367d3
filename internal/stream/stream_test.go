package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// paneServer fakes the daemon's output endpoint: it records inbound
// frames per target and can push output frames to every viewer.
type paneServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	frames  map[string][]string
	viewers map[string][]*websocket.Conn
}

func newPaneServer(t *testing.T) *paneServer {
	t.Helper()
	ps := &paneServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		frames:   make(map[string][]string),
		viewers:  make(map[string][]*websocket.Conn),
	}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.URL.EscapedPath(), "/ws/output/")
		target, err := url.PathUnescape(raw)
		if err != nil || target == "" {
			http.Error(w, "bad target", http.StatusBadRequest)
			return
		}
		conn, err := ps.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.viewers[target] = append(ps.viewers[target], conn)
		ps.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ps.mu.Lock()
			ps.frames[target] = append(ps.frames[target], string(data))
			ps.mu.Unlock()
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *paneServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *paneServer) push(t *testing.T, target, output string) {
	t.Helper()
	data, _ := json.Marshal(map[string]string{"output": output})
	var conns []*websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ps.mu.Lock()
		conns = append([]*websocket.Conn(nil), ps.viewers[target]...)
		ps.mu.Unlock()
		if len(conns) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(conns) == 0 {
		t.Fatalf("no viewer connected for %s", target)
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("push to %s: %v", target, err)
		}
	}
}

func (ps *paneServer) sentFrames(target string) []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.frames[target]...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestOutputReplacesBuffer(t *testing.T) {
	ps := newPaneServer(t)

	var mu sync.Mutex
	var outputs []string
	s := New(Options{
		BaseURL: ps.url(),
		OnOutput: func(output string) {
			mu.Lock()
			outputs = append(outputs, output)
			mu.Unlock()
		},
	})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ps.push(t, "%1", "hello")
	waitFor(t, 2*time.Second, func() bool { return s.Output() == "hello" })

	ps.push(t, "%1", "replaced")
	waitFor(t, 2*time.Second, func() bool { return s.Output() == "replaced" })

	mu.Lock()
	defer mu.Unlock()
	// First callback is the clear on connect, then the two frames.
	if outputs[0] != "" {
		t.Errorf("first callback = %q, want clear", outputs[0])
	}
}

func TestTargetSwitchClearsOutput(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{BaseURL: ps.url()})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.push(t, "%1", "from pane one")
	waitFor(t, 2*time.Second, func() bool { return s.Output() == "from pane one" })

	if err := s.Connect("%2"); err != nil {
		t.Fatalf("Connect %%2: %v", err)
	}
	if got := s.Output(); got != "" {
		t.Errorf("output after switch = %q, want empty", got)
	}
	if got := s.Target(); got != "%2" {
		t.Errorf("target = %q, want %%2", got)
	}

	// A frame for the new target lands; old-pane content never
	// reappears.
	ps.push(t, "%2", "from pane two")
	waitFor(t, 2*time.Second, func() bool { return s.Output() == "from pane two" })
}

func TestConnectSameTargetIsNoop(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{BaseURL: ps.url()})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.push(t, "%1", "kept")
	waitFor(t, 2*time.Second, func() bool { return s.Output() == "kept" })

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("re-Connect: %v", err)
	}
	if got := s.Output(); got != "kept" {
		t.Errorf("output after no-op reconnect = %q, want kept", got)
	}
}

func TestResizeBurstCoalesces(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{
		BaseURL:        ps.url(),
		ResizeDebounce: 30 * time.Millisecond,
	})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.SendResize(80, 24)
	s.SendResize(81, 24)
	s.SendResize(82, 24)

	waitFor(t, 2*time.Second, func() bool { return len(ps.sentFrames("%1")) >= 1 })
	time.Sleep(100 * time.Millisecond)

	frames := ps.sentFrames("%1")
	if len(frames) != 1 {
		t.Fatalf("resize frames = %d, want 1 (burst coalesced): %v", len(frames), frames)
	}

	var frame resizeFrame
	if err := json.Unmarshal([]byte(frames[0]), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "resize" || frame.Cols != 82 || frame.Rows != 24 {
		t.Errorf("frame = %+v, want resize 82x24", frame)
	}
}

func TestIdenticalResizeSuppressed(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{
		BaseURL:        ps.url(),
		ResizeDebounce: 20 * time.Millisecond,
	})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.SendResize(100, 40)
	waitFor(t, 2*time.Second, func() bool { return len(ps.sentFrames("%1")) == 1 })

	// Same size again: nothing new goes out.
	s.SendResize(100, 40)
	time.Sleep(100 * time.Millisecond)
	if got := len(ps.sentFrames("%1")); got != 1 {
		t.Errorf("resize frames = %d, want 1 (duplicate suppressed)", got)
	}

	// A genuinely new size does go out.
	s.SendResize(101, 40)
	waitFor(t, 2*time.Second, func() bool { return len(ps.sentFrames("%1")) == 2 })
}

func TestResizeBackToSentSizeCancelsPending(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{
		BaseURL:        ps.url(),
		ResizeDebounce: 30 * time.Millisecond,
	})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.SendResize(100, 40)
	waitFor(t, 2*time.Second, func() bool { return len(ps.sentFrames("%1")) == 1 })

	// Bounce to an intermediate size and back to the size already on
	// the wire before the debounce elapses: nothing new may go out.
	s.SendResize(101, 40)
	s.SendResize(100, 40)

	time.Sleep(150 * time.Millisecond)
	frames := ps.sentFrames("%1")
	if len(frames) != 1 {
		t.Fatalf("resize frames = %d, want 1 (intermediate size cancelled): %v", len(frames), frames)
	}
	var frame resizeFrame
	if err := json.Unmarshal([]byte(frames[0]), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Cols != 100 || frame.Rows != 40 {
		t.Errorf("frame = %+v, want 100x40", frame)
	}
}

func TestConnectEmptyTargetDisconnects(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{BaseURL: ps.url()})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Connected() })

	if err := s.Connect(""); err != nil {
		t.Fatalf("Connect(\"\"): %v", err)
	}
	if s.Connected() {
		t.Error("empty target should leave the stream disconnected")
	}
	if got := s.Output(); got != "" {
		t.Errorf("output = %q, want empty", got)
	}
}

func TestFrameWithoutOutputFieldIgnored(t *testing.T) {
	ps := newPaneServer(t)

	s := New(Options{BaseURL: ps.url()})
	defer s.Disconnect()

	if err := s.Connect("%1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.push(t, "%1", "real")
	waitFor(t, 2*time.Second, func() bool { return s.Output() == "real" })

	// Status-ish frame with no output key must not clear the buffer.
	ps.mu.Lock()
	conn := ps.viewers["%1"][0]
	ps.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status"}`)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := s.Output(); got != "real" {
		t.Errorf("output = %q, want real (frame without output ignored)", got)
	}
}
