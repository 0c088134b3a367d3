// Package watch polls a directory of session record files and tells
// subscribers that something changed. Notifications carry no payload:
// consumers re-fetch the full record set. This keeps the contract
// stable under concurrent record churn; do not narrow it to diffs.
package watch

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/session-command/watchd/internal/metrics"
)

type Watcher struct {
	dir      string
	interval time.Duration

	mu       sync.Mutex
	subs     map[int]func()
	nextID   int
	snapshot map[string]time.Time
	stop     chan struct{}
}

// NewWatcher watches dir at the given poll interval. The poll loop
// starts with the first subscriber and stops with the last; a Watcher
// with no subscribers costs nothing.
func NewWatcher(dir string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		interval: interval,
		subs:     make(map[int]func()),
	}
}

// Subscribe registers a callback invoked once per poll cycle in which
// any record was added, modified, or removed. The returned function
// removes the subscription; calling it more than once is harmless.
func (w *Watcher) Subscribe(fn func()) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	if w.stop == nil {
		w.snapshot = w.scan()
		w.stop = make(chan struct{})
		go w.loop(w.stop)
	}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			if len(w.subs) == 0 && w.stop != nil {
				close(w.stop)
				w.stop = nil
			}
			w.mu.Unlock()
		})
	}
}

func (w *Watcher) loop(stop chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll runs one diff cycle. Only the poll loop mutates the snapshot.
func (w *Watcher) poll() {
	current := w.scan()
	metrics.WatcherCycles.Inc()

	w.mu.Lock()
	previous := w.snapshot
	w.snapshot = current

	dirty := len(current) != len(previous)
	if !dirty {
		for name, mod := range current {
			prev, ok := previous[name]
			if !ok || !prev.Equal(mod) {
				dirty = true
				break
			}
		}
	}

	var subs []func()
	if dirty {
		subs = make([]func(), 0, len(w.subs))
		for _, fn := range w.subs {
			subs = append(subs, fn)
		}
	}
	w.mu.Unlock()

	if !dirty {
		return
	}
	metrics.WatcherChanges.Inc()
	for _, fn := range subs {
		notify(fn)
	}
}

// notify isolates one subscriber; a panicking callback must not cost
// the others their notification.
func notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Watch subscriber panicked: %v", r)
		}
	}()
	fn()
}

// scan lists the record files and their modification times. A missing
// directory or a file deleted mid-scan reads as no records; the
// watcher never errors on transient filesystem races.
func (w *Watcher) scan() map[string]time.Time {
	snapshot := make(map[string]time.Time)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return snapshot
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshot[entry.Name()] = info.ModTime()
	}
	return snapshot
}
