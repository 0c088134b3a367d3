package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// State is the liveness state of a monitored session.
type State string

const (
	StateBusy            State = "busy"
	StateIdle            State = "idle"
	StateWaitingInput    State = "waiting_input"
	StateNeedsPermission State = "needs_permission"
)

// Session is one session record as stored on disk. The record store is
// the authority; everything else reads these and never mutates them in
// place. ID is immutable for the lifetime of a record. TmuxTarget goes
// empty when the backing pane no longer exists, but the ID keeps its
// meaning.
type Session struct {
	ID            string `json:"id"`
	State         State  `json:"state"`
	Pid           int    `json:"pid,omitempty"`
	TmuxTarget    string `json:"tmux_target,omitempty"`
	CWD           string `json:"cwd"`
	PaneTitle     string `json:"pane_title,omitempty"`
	CurrentAction string `json:"current_action,omitempty"`
	GitRoot       string `json:"git_root,omitempty"`
	BeadsEnabled  bool   `json:"beads_enabled"`
}

// Store reads and writes session records as individual JSON files in a
// state directory, one file per session id. Reads only need eventual
// consistency relative to writes; a half-written or vanished file is
// skipped, never an error.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// List returns all readable session records. A missing directory or an
// unreadable file means "no record", not an error.
func (s *Store) List() ([]Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil
	}

	var sessions []Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if !validID(sess.ID) {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// validID rejects ids that could name a path outside the state dir.
// Ids come in over the wire from dismiss/keys frames, not just from
// our own filenames.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

func (s *Store) Get(id string) (Session, bool) {
	if !validID(id) {
		return Session{}, false
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, false
	}
	return sess, true
}

// Write persists a record atomically via rename so List never observes
// a torn file.
func (s *Store) Write(sess Session) error {
	if !validID(sess.ID) {
		return fmt.Errorf("invalid record id %q", sess.ID)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp := s.path(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return os.Rename(tmp, s.path(sess.ID))
}

// Delete removes a record by id. Deleting a record that is already gone
// is not an error.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid record id %q", id)
	}
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
