// Package browser implements the Browser Debug Gateway variant's
// Per-Target State, CDP session-mux wiring, and RPC method set: it glues
// internal/sessionmux (transport + session routing), internal/webtarget
// (watch sets + lifecycle manager), and internal/eventlog (per-target event
// storage) into one attached-to-Chrome daemon.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Page is one entry from the browser's /json target list.
type Page struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListPages queries the browser's HTTP debug endpoint for its page list,
// keeping only entries of type "page" that expose a debugger websocket —
// mirroring webtap's list_pages().
func ListPages(ctx context.Context, httpBase string) ([]Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(httpBase, "/")+"/json", nil)
	if err != nil {
		return nil, fmt.Errorf("browser: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}
	defer resp.Body.Close()

	var all []Page
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("browser: decode page list: %w", err)
	}

	pages := make([]Page, 0, len(all))
	for _, p := range all {
		if p.Type == "page" && p.WebSocketDebuggerURL != "" {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

// BrowserWebSocketURL fetches /json/version and returns the browser-level
// debugger websocket URL used to open one multiplexed endpoint connection
// (as opposed to a single page's).
func BrowserWebSocketURL(ctx context.Context, httpBase string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(httpBase, "/")+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("browser: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser: fetch version: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("browser: decode version: %w", err)
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser: no webSocketDebuggerUrl in /json/version response")
	}
	return payload.WebSocketDebuggerURL, nil
}

// ShortTargetID formats the {port, short-id} composite id used as the
// browser variant's per-target identity.
func ShortTargetID(port int, pageID string) string {
	short := strings.ToLower(pageID)
	if len(short) > 6 {
		short = short[:6]
	}
	return fmt.Sprintf("%d:%s", port, short)
}

// defaultCallTimeout bounds CDP command/response round trips.
const defaultCallTimeout = 10 * time.Second
