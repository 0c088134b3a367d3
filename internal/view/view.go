// Package view holds the client-side materialized picture of all
// sessions: wholesale snapshot replacement, pause/resume, and the
// derived project tree.
package view

import (
	"sort"
	"strings"
	"sync"

	"github.com/session-command/watchd/internal/record"
)

// View is the reconciliation store. Every pushed snapshot replaces the
// whole session list; there is no incremental patching, so a missed
// push can never leave drift behind. While paused, snapshots are
// discarded, not queued: unpausing shows the pre-pause view until the
// next push arrives.
type View struct {
	mu        sync.Mutex
	sessions  []record.Session
	paused    bool
	connected bool
}

func New() *View {
	return &View{}
}

// Apply installs a full snapshot. Discarded while paused.
func (v *View) Apply(snapshot []record.Session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.paused {
		return
	}
	v.sessions = append([]record.Session(nil), snapshot...)
}

func (v *View) SetPaused(paused bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = paused
}

func (v *View) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *View) SetConnected(connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = connected
}

// Connected reports transport health. A false value never clears the
// session list; stale-but-present beats blank.
func (v *View) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

func (v *View) Sessions() []record.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]record.Session(nil), v.sessions...)
}

// Project is one working-directory grouping in the derived tree. The
// tree is a disposable projection recomputed on every call, never
// mutated in place.
type Project struct {
	CWD      string
	Sessions []record.Session
	Children []*Project
}

// ProjectTree derives the project hierarchy from the current sessions.
func (v *View) ProjectTree() []*Project {
	return BuildProjectTree(v.Sessions())
}

// BuildProjectTree groups sessions by cwd and parents each project
// under its most specific ancestor: the longest other cwd that the
// project's cwd extends by a path separator and a non-empty suffix.
// Output is deterministic for a given session list regardless of input
// order.
func BuildProjectTree(sessions []record.Session) []*Project {
	byCWD := make(map[string]*Project)
	for _, sess := range sessions {
		p, ok := byCWD[sess.CWD]
		if !ok {
			p = &Project{CWD: sess.CWD}
			byCWD[sess.CWD] = p
		}
		p.Sessions = append(p.Sessions, sess)
	}

	cwds := make([]string, 0, len(byCWD))
	for cwd := range byCWD {
		cwds = append(cwds, cwd)
	}
	sort.Strings(cwds)

	var roots []*Project
	for _, cwd := range cwds {
		parent := ""
		for _, candidate := range cwds {
			if candidate == cwd {
				continue
			}
			if strings.HasPrefix(cwd, candidate+"/") && len(candidate) > len(parent) {
				parent = candidate
			}
		}
		if parent == "" {
			roots = append(roots, byCWD[cwd])
			continue
		}
		byCWD[parent].Children = append(byCWD[parent].Children, byCWD[cwd])
	}
	return roots
}
