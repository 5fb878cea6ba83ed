// Package webtarget implements the browser variant's Watched Target Set,
// Notices list, and Target Lifecycle Manager. The watch set persists as
// YAML (mirroring webtap's config-file-backed watch list) with the same
// write-temp-then-rename discipline the pattern store uses.
package webtarget

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tapdaemon/taptools/internal/logx"
)

// watchFile is the on-disk YAML shape.
type watchFile struct {
	IDs  []string `yaml:"ids"`
	URLs []string `yaml:"urls"`
}

// WatchSet holds the two watch maps (by target id, by url) the lifecycle
// manager consults to decide whether a newly appearing target should be
// attached automatically.
type WatchSet struct {
	path string
	log  *logx.Logger

	mu   sync.RWMutex
	ids  map[string]struct{}
	urls map[string]struct{}
}

// LoadWatchSet reads path (an empty set if missing); a parse error resets
// the set to empty and logs, matching the pattern store's non-fatal load
// failure policy.
func LoadWatchSet(path string) *WatchSet {
	ws := &WatchSet{
		path: path,
		log:  logx.New("webtarget"),
		ids:  map[string]struct{}{},
		urls: map[string]struct{}{},
	}
	if err := ws.reload(); err != nil {
		ws.log.Errorf("load %s: %v (starting empty)", path, err)
	}
	return ws
}

func (ws *WatchSet) reload() error {
	data, err := os.ReadFile(ws.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var f watchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("webtarget: parse %s: %w", ws.path, err)
	}
	ws.mu.Lock()
	ws.ids = toSet(f.IDs)
	ws.urls = toSet(f.URLs)
	ws.mu.Unlock()
	return nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

// WatchID adds id to the by-id watch set and persists.
func (ws *WatchSet) WatchID(id string) error {
	ws.mu.Lock()
	ws.ids[id] = struct{}{}
	ws.mu.Unlock()
	return ws.Save()
}

// UnwatchID removes id and persists. A nonexistent id is a silent no-op.
func (ws *WatchSet) UnwatchID(id string) error {
	ws.mu.Lock()
	if _, ok := ws.ids[id]; !ok {
		ws.mu.Unlock()
		return nil
	}
	delete(ws.ids, id)
	ws.mu.Unlock()
	return ws.Save()
}

// WatchURL adds url to the by-url watch set and persists.
func (ws *WatchSet) WatchURL(url string) error {
	ws.mu.Lock()
	ws.urls[url] = struct{}{}
	ws.mu.Unlock()
	return ws.Save()
}

// UnwatchURL removes url and persists. A nonexistent url is a silent no-op.
func (ws *WatchSet) UnwatchURL(url string) error {
	ws.mu.Lock()
	if _, ok := ws.urls[url]; !ok {
		ws.mu.Unlock()
		return nil
	}
	delete(ws.urls, url)
	ws.mu.Unlock()
	return ws.Save()
}

// IsWatchedID reports whether id is in the by-id watch set.
func (ws *WatchSet) IsWatchedID(id string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	_, ok := ws.ids[id]
	return ok
}

// IsWatchedURL reports whether url is in the by-url watch set.
func (ws *WatchSet) IsWatchedURL(url string) bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	_, ok := ws.urls[url]
	return ok
}

// Snapshot returns both watch lists, sorted for deterministic output.
func (ws *WatchSet) Snapshot() (ids []string, urls []string) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	ids = setToSorted(ws.ids)
	urls = setToSorted(ws.urls)
	return
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Save atomically rewrites the backing file (write-temp, rename).
func (ws *WatchSet) Save() error {
	ws.mu.RLock()
	f := watchFile{IDs: setToSorted(ws.ids), URLs: setToSorted(ws.urls)}
	ws.mu.RUnlock()

	dir := filepath.Dir(ws.path)
	tmp, err := os.CreateTemp(dir, ".webtarget-*.tmp")
	if err != nil {
		return fmt.Errorf("webtarget: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := yaml.NewEncoder(tmp)
	if err := enc.Encode(&f); err != nil {
		tmp.Close()
		return fmt.Errorf("webtarget: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("webtarget: close encoder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("webtarget: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("webtarget: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, ws.path); err != nil {
		return fmt.Errorf("webtarget: rename into place: %w", err)
	}
	return nil
}
