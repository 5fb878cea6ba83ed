// Package tmuxdriver shells out to tmux(1) for the three multiplexer
// primitives the daemon needs: enumerate panes with stable ids, pipe raw
// pane output into a child process, and inject keystrokes into a pane.
// It never attempts to abstract over a different multiplexer.
package tmuxdriver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Driver runs tmux commands. The zero value is ready to use; it shells out
// to whatever "tmux" resolves to on PATH.
type Driver struct {
	// Bin overrides the tmux executable name, mostly for tests.
	Bin string
}

func (d *Driver) bin() string {
	if d.Bin != "" {
		return d.Bin
	}
	return "tmux"
}

// run executes `tmux <args>` and returns trimmed stdout, or an error
// wrapping stderr on non-zero exit.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmuxdriver: tmux %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Available reports whether tmux is installed and a server is reachable.
func (d *Driver) Available(ctx context.Context) bool {
	_, err := d.run(ctx, "info")
	return err == nil
}

// Pane describes one enumerated tmux pane (the `ls` RPC result shape).
type Pane struct {
	ID         string // "%42"
	SessionName string
	WindowIndex string
	PaneIndex   string
	Command     string // current foreground command, e.g. "bash"
	Title       string
}

// laneFormat is the tmux -F format string for ListPanes, using a delimiter
// unlikely to appear in any field.
const laneFormat = "#{pane_id}\x1f#{session_name}\x1f#{window_index}\x1f#{pane_index}\x1f#{pane_current_command}\x1f#{pane_title}"

// ListPanes enumerates every pane across every session.
func (d *Driver) ListPanes(ctx context.Context) ([]Pane, error) {
	out, err := d.run(ctx, "list-panes", "-a", "-F", laneFormat)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	panes := make([]Pane, 0, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, "\x1f")
		if len(fields) != 6 {
			continue
		}
		panes = append(panes, Pane{
			ID:          fields[0],
			SessionName: fields[1],
			WindowIndex: fields[2],
			PaneIndex:   fields[3],
			Command:     fields[4],
			Title:       fields[5],
		})
	}
	return panes, nil
}

// PaneExists reports whether paneID (e.g. "%42") still names a live pane.
func (d *Driver) PaneExists(ctx context.Context, paneID string) bool {
	_, err := d.run(ctx, "list-panes", "-t", paneID, "-F", "#{pane_id}")
	return err == nil
}

// CurrentCommand returns the foreground process name tmux reports for
// paneID, used to refresh a Per-Target State's process identity.
func (d *Driver) CurrentCommand(ctx context.Context, paneID string) (string, error) {
	return d.run(ctx, "display-message", "-p", "-t", paneID, "#{pane_current_command}")
}

// CapturePane returns a pane's visible screen; when lines > 0 it also
// includes up to that many lines of scrollback history above it. It is
// used as the Per-Target State's fallback capture when the Ring Screen
// Buffer is empty.
func (d *Driver) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", paneID}
	if lines > 0 {
		args = append(args, "-S", strconv.Itoa(-lines))
	}
	return d.run(ctx, args...)
}

// SendKeys injects literal text into paneID followed by Enter, matching
// the original's send_keys semantics for "run this command".
func (d *Driver) SendKeys(ctx context.Context, paneID, text string) error {
	_, err := d.run(ctx, "send-keys", "-t", paneID, "-l", "--", text)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, "send-keys", "-t", paneID, "Enter")
	return err
}

// SendRawKeys injects one or more tmux key names (e.g. "C-c", "Escape")
// without an appended Enter, used for Interrupt.
func (d *Driver) SendRawKeys(ctx context.Context, paneID string, keys ...string) error {
	args := append([]string{"send-keys", "-t", paneID}, keys...)
	_, err := d.run(ctx, args...)
	return err
}

// PipePane starts piping paneID's raw output into shellCmd, which is
// expected to write the pane id as its first line and then forward bytes
// to the daemon's collector socket. StopPipePane stops the pipe.
func (d *Driver) PipePane(ctx context.Context, paneID, shellCmd string) error {
	_, err := d.run(ctx, "pipe-pane", "-t", paneID, shellCmd)
	return err
}

// StopPipePane stops any active pipe-pane on paneID.
func (d *Driver) StopPipePane(ctx context.Context, paneID string) error {
	_, err := d.run(ctx, "pipe-pane", "-t", paneID)
	return err
}
