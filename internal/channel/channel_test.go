package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBackoffDoubles(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30000 * time.Millisecond

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, expected := range want {
		got := Backoff(attempt, base, max, 0)
		if got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30000 * time.Millisecond
	jitter := 1000 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := Backoff(2, base, max, jitter)
		if got < 4000*time.Millisecond || got >= 5000*time.Millisecond {
			t.Fatalf("Backoff(2) with jitter = %v, want [4s, 5s)", got)
		}
	}
}

func TestBackoffHugeAttemptClamps(t *testing.T) {
	got := Backoff(500, time.Second, 30*time.Second, 0)
	if got != 30*time.Second {
		t.Errorf("Backoff(500) = %v, want 30s", got)
	}
}

// echoServer upgrades and echoes application frames, answering ping
// sentinels with pong like the real daemon.
func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				data = []byte("pong")
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectIsIdempotent(t *testing.T) {
	srv, url := echoServer(t)
	defer srv.Close()

	ch := New(Options{URL: func() string { return url }})
	defer ch.Disconnect()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Connect(); err != nil {
		t.Fatalf("second Connect should be a no-op, got %v", err)
	}
	if !ch.Connected() {
		t.Error("expected connected state")
	}
}

func TestSentinelsFilteredAndOrderPreserved(t *testing.T) {
	srv, url := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var got []string
	ch := New(Options{
		URL: func() string { return url },
		OnMessage: func(data []byte) {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
		},
	})
	defer ch.Disconnect()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Interleave sentinels with real frames; the echo server bounces
	// everything back but only the real frames should reach OnMessage.
	frames := []string{`{"n":1}`, "ping", `{"n":2}`, `{"n":3}`}
	for _, f := range frames {
		if err := ch.write([]byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("frame %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestDialFailureSchedulesSingleRetry(t *testing.T) {
	ch := New(Options{
		URL:       func() string { return "ws://127.0.0.1:1" },
		BaseDelay: time.Hour,
		MaxDelay:  time.Hour,
	})
	defer ch.Disconnect()

	if err := ch.Connect(); err == nil {
		t.Fatal("expected dial error")
	}
	if !ch.PendingReconnect() {
		t.Fatal("expected a pending reconnect after dial failure")
	}
	if got := ch.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}

	// A second manual Connect while the timer is armed must not stack
	// another timer.
	_ = ch.Connect()
	if got := ch.Attempts(); got != 1 {
		t.Errorf("attempts after second Connect = %d, want 1 (single pending timer)", got)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ch := New(Options{
		URL:       func() string { return "ws://127.0.0.1:1" },
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	})

	_ = ch.Connect()
	ch.Disconnect()

	if ch.PendingReconnect() {
		t.Error("Disconnect should cancel the reconnect timer")
	}

	// Terminal: no further connects allowed.
	time.Sleep(50 * time.Millisecond)
	if ch.Connected() {
		t.Error("channel reconnected after Disconnect")
	}
	if err := ch.Connect(); err == nil {
		t.Error("Connect after Disconnect should fail")
	}
}

func TestReconnectPredicateDeclines(t *testing.T) {
	ch := New(Options{
		URL:             func() string { return "ws://127.0.0.1:1" },
		ShouldReconnect: func() bool { return false },
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
	})
	defer ch.Disconnect()

	_ = ch.Connect()
	if ch.PendingReconnect() {
		t.Error("predicate declined but a reconnect was scheduled")
	}
}

func TestServerCloseTriggersReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var mu sync.Mutex
	dials := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if first {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	opened := make(chan struct{}, 4)
	ch := New(Options{
		URL:       func() string { return url },
		OnOpen:    func() { opened <- struct{}{} },
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	})
	defer ch.Disconnect()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// First open, then the drop, then the automatic redial.
	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for open %d", i+1)
		}
	}

	mu.Lock()
	if dials < 2 {
		t.Errorf("dials = %d, want >= 2", dials)
	}
	mu.Unlock()
}

func TestConcurrentConnectKeepsOneTransport(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var mu sync.Mutex
	live := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		live++
		mu.Unlock()
		defer func() {
			conn.Close()
			mu.Lock()
			live--
			mu.Unlock()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	liveCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return live
	}

	for i := 0; i < 25; i++ {
		ch := New(Options{URL: func() string { return url }})

		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ch.Connect()
			}()
		}
		wg.Wait()

		// The losing dial closes its socket; the server side settles
		// to exactly one connection.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && liveCount() > 1 {
			time.Sleep(5 * time.Millisecond)
		}
		if got := liveCount(); got != 1 {
			t.Fatalf("iteration %d: %d live transports for one channel, want 1", i, got)
		}

		ch.Disconnect()
		deadline = time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && liveCount() > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		if got := liveCount(); got != 0 {
			t.Fatalf("iteration %d: %d transports left after Disconnect", i, got)
		}
	}
}

func TestSuccessfulOpenResetsAttempts(t *testing.T) {
	srv, url := echoServer(t)
	defer srv.Close()

	ch := New(Options{URL: func() string { return url }})
	defer ch.Disconnect()

	ch.mu.Lock()
	ch.attempts = 5
	ch.mu.Unlock()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := ch.Attempts(); got != 0 {
		t.Errorf("attempts after successful open = %d, want 0", got)
	}
}
