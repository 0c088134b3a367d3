package tmux

import (
	"os/exec"
	"strings"
	"sync"
	"time"
)

// GitRootCache caches cwd → repo-root lookups with a TTL so snapshot
// enrichment does not shell out to git on every watcher cycle.
type GitRootCache struct {
	cache map[string]gitRootEntry
	mu    sync.RWMutex
	ttl   time.Duration
}

type gitRootEntry struct {
	root      string
	updatedAt time.Time
}

func NewGitRootCache(ttl time.Duration) *GitRootCache {
	return &GitRootCache{
		cache: make(map[string]gitRootEntry),
		ttl:   ttl,
	}
}

// Root resolves the git repository root for cwd, or "" when cwd is not
// inside a repo. Negative results are cached too.
func (c *GitRootCache) Root(cwd string) string {
	c.mu.RLock()
	entry, ok := c.cache[cwd]
	c.mu.RUnlock()
	if ok && time.Since(entry.updatedAt) <= c.ttl {
		return entry.root
	}

	root := resolveGitRoot(cwd)

	c.mu.Lock()
	c.cache[cwd] = gitRootEntry{root: root, updatedAt: time.Now()}
	c.mu.Unlock()
	return root
}

func resolveGitRoot(cwd string) string {
	cmd := exec.Command("git", "-C", cwd, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "" // Not a git repo
	}
	return strings.TrimSpace(string(output))
}
