package tmux

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// AttachBridge reads the live output of one pane by attaching to its
// tmux session read-only under a PTY. The PTY gives real terminal
// semantics (redraws, cursor movement) without piping every pane to a
// log file. Output accumulates in a capped rolling buffer; the bridge
// notifies on change and consumers read the full buffer back.
type AttachBridge struct {
	target   string
	ptmx     *os.File
	cmd      *exec.Cmd
	maxBytes int

	mu     sync.Mutex
	buf    []byte
	closed bool

	closeOnce sync.Once
	done      chan struct{}
	onChange  func()
	onExit    func()
}

// NewAttachBridge attaches to the session owning target. maxBytes caps
// the rolling buffer; older output is discarded from the front.
func (c *Client) NewAttachBridge(target string, maxBytes int) (*AttachBridge, error) {
	sessionName, err := c.SessionNameFor(target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session for target %s: %w", target, err)
	}

	var args []string
	if c.cfg.Socket != "" {
		args = append(args, "-S", c.cfg.Socket)
	}
	// Read-only attach so viewers never steal control of the pane.
	args = append(args, "attach-session", "-r", "-t", sessionName)
	args = append(args, ";", "select-pane", "-t", target)

	cmd := exec.Command(c.cfg.Bin, args...)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to attach with PTY: %w", err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	b := &AttachBridge{
		target:   target,
		ptmx:     ptmx,
		cmd:      cmd,
		maxBytes: maxBytes,
		done:     make(chan struct{}),
	}

	// Seed with the pane's current visible content so the first frame
	// is not blank while tmux redraws into the fresh client.
	if content, err := c.CapturePane(target, 0); err == nil {
		b.append([]byte(content))
	}

	go b.readLoop()
	go b.waitForExit()

	return b, nil
}

// SetChangeHandler registers the callback fired after each appended
// chunk. Set before output starts flowing.
func (b *AttachBridge) SetChangeHandler(fn func()) {
	b.onChange = fn
}

// SetExitHandler registers the callback fired once when the attach
// process ends for any reason.
func (b *AttachBridge) SetExitHandler(fn func()) {
	b.onExit = fn
}

// Output returns the current rolling buffer contents.
func (b *AttachBridge) Output() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Resize adjusts the PTY window. tmux redraws the attached client at
// the new size, which is what remote viewers negotiate for.
func (b *AttachBridge) Resize(cols, rows int) error {
	select {
	case <-b.done:
		return fmt.Errorf("bridge is closed")
	default:
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (b *AttachBridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.ptmx != nil {
			_ = b.ptmx.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
	})
}

func (b *AttachBridge) IsClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *AttachBridge) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-b.done:
			return
		default:
		}

		n, err := b.ptmx.Read(buf)
		if n > 0 {
			b.append(buf[:n])
			if b.onChange != nil {
				b.onChange()
			}
		}
		if err != nil {
			if err != io.EOF && !b.IsClosed() {
				log.Printf("PTY read error for target %s: %v", b.target, err)
			}
			b.Close()
			return
		}
	}
}

func (b *AttachBridge) append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, data...)
	if b.maxBytes > 0 && len(b.buf) > b.maxBytes {
		b.buf = b.buf[len(b.buf)-b.maxBytes:]
	}
}

func (b *AttachBridge) waitForExit() {
	if b.cmd == nil {
		return
	}
	err := b.cmd.Wait()
	if !b.IsClosed() && err != nil {
		log.Printf("tmux attach exited for target %s: %v", b.target, err)
	}
	b.Close()
	if b.onExit != nil {
		b.onExit()
	}
}
