package tmuxdriver

import (
	"context"
	"strconv"
	"strings"
)

// ResolveTarget resolves a human-friendly target spec down to a stable
// "%N" pane id, per the original's tmux/resolution.py: a bare pane id
// passes through (after existence verification); otherwise the target is
// parsed as session[:window[.pane]] with window/pane defaulting to 0.
func (d *Driver) ResolveTarget(ctx context.Context, target string) (string, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", false
	}

	if strings.HasPrefix(target, "%") {
		if d.PaneExists(ctx, target) {
			return target, true
		}
		return "", false
	}

	session := target
	window := "0"
	pane := "0"

	if idx := strings.Index(target, ":"); idx >= 0 {
		session = target[:idx]
		rest := target[idx+1:]
		if dot := strings.Index(rest, "."); dot >= 0 {
			if w := rest[:dot]; w != "" {
				window = w
			}
			if p := rest[dot+1:]; p != "" {
				pane = p
			}
		} else if rest != "" {
			window = rest
		}
	}

	return d.paneIDFor(ctx, session, window, pane)
}

// paneIDFor finds the pane id at session:window.pane. tmux's list-panes -t
// session:window.pane returns every pane in the window, not just the one
// requested, so a tmux -f filter expression comparing
// window_index.pane_index narrows the output and the first line is taken.
func (d *Driver) paneIDFor(ctx context.Context, session, window, pane string) (string, bool) {
	filter := "#{==:#{window_index}." + "#{pane_index}," + window + "." + pane + "}"
	out, err := d.run(ctx, "list-panes", "-t", session+":"+window+"."+pane, "-f", filter, "-F", "#{pane_id}")
	if err != nil || out == "" {
		return "", false
	}
	return strings.SplitN(out, "\n", 2)[0], true
}

// CurrentPaneEnv returns the pane id of the tmux pane this process is
// itself running inside, or "" if not inside tmux (TMUX unset). Neither
// daemon calls it; the daemon itself has no "current pane" notion.
func CurrentPaneEnv(getenv func(string) string, d *Driver, ctx context.Context) (string, bool) {
	if getenv("TMUX") == "" {
		return "", false
	}
	out, err := d.run(ctx, "display", "-p", "#{pane_id}")
	if err != nil {
		return "", false
	}
	return out, true
}

// ParsePaneNumber extracts the numeric suffix of a "%N" pane id, used for
// deterministic ordering in ls output.
func ParsePaneNumber(paneID string) (int, bool) {
	if !strings.HasPrefix(paneID, "%") {
		return 0, false
	}
	n, err := strconv.Atoi(paneID[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
