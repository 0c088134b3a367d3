// Package proc reads pid liveness from /proc so snapshot enrichment
// does not pay a stat call per record per watcher cycle.
package proc

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Snapshot is a point-in-time read of the pids present under /proc.
type Snapshot struct {
	pids map[int]struct{}
}

func TakeSnapshot() *Snapshot {
	pids := make(map[int]struct{})

	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return &Snapshot{pids: pids}
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}
		pids[pid] = struct{}{}
	}

	return &Snapshot{pids: pids}
}

// Alive reports whether the pid existed when the snapshot was taken.
func (s *Snapshot) Alive(pid int) bool {
	if s == nil || pid <= 0 {
		return false
	}
	_, ok := s.pids[pid]
	return ok
}

// Kill sends SIGTERM to a process. Already-gone processes are not an
// error; the record cleanup that follows is the same either way.
func Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
