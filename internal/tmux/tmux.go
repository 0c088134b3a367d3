package tmux

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/session-command/watchd/internal/config"
)

type Pane struct {
	PaneID      string
	PanePID     int
	SessionName string
	WindowIndex int
	PaneIndex   int
	CurrentPath string
	PaneTitle   string
}

type Client struct {
	cfg *config.TmuxConfig
}

func NewClient(cfg *config.TmuxConfig) *Client {
	return &Client{cfg: cfg}
}

// ListPanes returns all panes across all tmux sessions
func (c *Client) ListPanes() ([]Pane, error) {
	format := "#{pane_id}\t#{pane_pid}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_current_path}\t#{pane_title}"

	args := []string{"list-panes", "-a", "-F", format}
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputStr := strings.TrimSpace(string(output))
		// No tmux server running is not an error
		if strings.Contains(strings.ToLower(outputStr), "no server running") {
			return nil, nil
		}
		if outputStr != "" {
			return nil, fmt.Errorf("failed to list panes: %w: %s", err, outputStr)
		}
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}

	var panes []Pane
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 6 {
			continue
		}

		var pane Pane
		pane.PaneID = fields[0]
		fmt.Sscanf(fields[1], "%d", &pane.PanePID)
		pane.SessionName = fields[2]
		fmt.Sscanf(fields[3], "%d", &pane.WindowIndex)
		fmt.Sscanf(fields[4], "%d", &pane.PaneIndex)
		pane.CurrentPath = fields[5]
		if len(fields) > 6 {
			pane.PaneTitle = fields[6]
		}

		panes = append(panes, pane)
	}

	return panes, scanner.Err()
}

// PaneExists checks whether a pane target still resolves
func (c *Client) PaneExists(target string) bool {
	args := []string{"display-message", "-p", "-t", target, "#{pane_id}"}
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) != ""
}

// SendKeys sends keys to a pane
func (c *Client) SendKeys(target string, keys []string) error {
	args := []string{"send-keys", "-t", target}
	args = append(args, keys...)
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	return cmd.Run()
}

// KillPane kills a pane
func (c *Client) KillPane(target string) error {
	args := []string{"kill-pane", "-t", target}
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	return cmd.Run()
}

// CapturePane captures the visible content of a pane, ANSI included.
func (c *Client) CapturePane(target string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-e", "-t", target}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to capture pane: %w", err)
	}
	return string(output), nil
}

// SessionNameFor resolves the tmux session owning a pane target.
func (c *Client) SessionNameFor(target string) (string, error) {
	args := []string{"display-message", "-p", "-t", target, "#{session_name}"}
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get session name: %w", err)
	}

	name := strings.TrimSpace(string(output))
	if name == "" {
		return "", fmt.Errorf("empty session name for target %s", target)
	}
	return name, nil
}

// Target builds the tmux target string (session:window.pane)
func (p *Pane) Target() string {
	return fmt.Sprintf("%s:%d.%d", p.SessionName, p.WindowIndex, p.PaneIndex)
}
