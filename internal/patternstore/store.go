// Package patternstore implements the persistent process → state →
// [pattern] mapping used by the terminal variant's readiness detection.
// The file format is TOML, atomically rewritten on every mutation
// (write-temp, rename) so a reader never observes a half-written file.
package patternstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/patterndsl"
)

// State labels a pattern declares for a process.
type State string

const (
	Ready State = "ready"
	Busy  State = "busy"

	// ambiguousProcess is the transport-layer process name (ssh) that
	// the terminal variant treats as a proxy: matching is attempted
	// against every known process rather than one specific table.
	ambiguousProcess = "ssh"
)

// fileSchema is the on-disk TOML shape: one table per process, each
// holding parallel ready/busy arrays of raw DSL strings.
type fileSchema struct {
	Process map[string]processEntry `toml:"process"`
}

type processEntry struct {
	Ready []string `toml:"ready"`
	Busy  []string `toml:"busy"`
}

// Store is the in-memory, file-backed pattern dictionary. The zero value
// is not usable; construct with Open.
type Store struct {
	path string
	log  *logx.Logger

	mu       sync.RWMutex
	byProc   map[string]*processPatterns
	watcher  *fsnotify.Watcher
	watchErr chan error
	closeCh  chan struct{}
}

type processPatterns struct {
	ready []*patterndsl.Pattern
	busy  []*patterndsl.Pattern
}

// Open loads path (creating an empty store in memory if the file is
// missing) and starts watching it for external edits. A parse error on
// load resets the store to empty and logs — it must never prevent
// daemon startup.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		log:     logx.New("patternstore"),
		byProc:  map[string]*processPatterns{},
		closeCh: make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		s.log.Errorf("load %s: %v (starting empty)", path, err)
	}

	if err := s.startWatch(); err != nil {
		s.log.Errorf("watch %s: %v (hot-reload disabled)", path, err)
	}

	return s, nil
}

func (s *Store) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if err := s.reload(); err != nil {
						s.log.Errorf("reload after external edit: %v", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Errorf("watcher: %v", err)
			case <-s.closeCh:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher. Safe to call once.
func (s *Store) Close() error {
	close(s.closeCh)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.byProc = map[string]*processPatterns{}
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var schema fileSchema
	if _, err := toml.Decode(string(data), &schema); err != nil {
		s.mu.Lock()
		s.byProc = map[string]*processPatterns{}
		s.mu.Unlock()
		return fmt.Errorf("patternstore: parse %s: %w", s.path, err)
	}

	byProc := make(map[string]*processPatterns, len(schema.Process))
	for proc, entry := range schema.Process {
		pp := &processPatterns{}
		for _, raw := range entry.Ready {
			pp.ready = append(pp.ready, patterndsl.NewPattern(raw))
		}
		for _, raw := range entry.Busy {
			pp.busy = append(pp.busy, patterndsl.NewPattern(raw))
		}
		byProc[proc] = pp
	}

	s.mu.Lock()
	s.byProc = byProc
	s.mu.Unlock()
	return nil
}

// Add registers a new pattern for process/state and persists the store.
// Compilation is validated before the mutation is accepted; a malformed
// DSL string leaves the store unchanged.
func (s *Store) Add(process, raw string, state State) error {
	pat := patterndsl.NewPattern(raw)
	if err := pat.Compile(); err != nil {
		return fmt.Errorf("patternstore: invalid pattern: %w", err)
	}

	s.mu.Lock()
	pp, ok := s.byProc[process]
	if !ok {
		pp = &processPatterns{}
		s.byProc[process] = pp
	}
	switch state {
	case Ready:
		pp.ready = append(pp.ready, pat)
	case Busy:
		pp.busy = append(pp.busy, pat)
	default:
		s.mu.Unlock()
		return fmt.Errorf("patternstore: unknown state %q", state)
	}
	s.mu.Unlock()

	return s.Save()
}

// Remove deletes a pattern for process/state. A nonexistent pattern is a
// silent no-op that does not trigger a save.
func (s *Store) Remove(process, raw string, state State) error {
	s.mu.Lock()
	pp, ok := s.byProc[process]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var list *[]*patterndsl.Pattern
	switch state {
	case Ready:
		list = &pp.ready
	case Busy:
		list = &pp.busy
	default:
		s.mu.Unlock()
		return fmt.Errorf("patternstore: unknown state %q", state)
	}
	idx := -1
	for i, p := range *list {
		if p.Raw == raw {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	*list = append((*list)[:idx], (*list)[idx+1:]...)
	s.mu.Unlock()

	return s.Save()
}

// Patterns is a read-only snapshot of one process's patterns, in raw form.
type Patterns struct {
	Ready []string
	Busy  []string
}

// Get returns the raw patterns registered for process.
func (s *Store) Get(process string) Patterns {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pp, ok := s.byProc[process]
	if !ok {
		return Patterns{}
	}
	return Patterns{Ready: rawsOf(pp.ready), Busy: rawsOf(pp.busy)}
}

// GetAll returns every process's patterns, keyed by process name.
func (s *Store) GetAll() map[string]Patterns {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Patterns, len(s.byProc))
	for proc, pp := range s.byProc {
		out[proc] = Patterns{Ready: rawsOf(pp.ready), Busy: rawsOf(pp.busy)}
	}
	return out
}

// Match returns the state ("ready"/"busy") the output matches for the
// given process, or "" if nothing matches. Ready patterns are tried
// before busy ones, so a line that happens to satisfy both wins as
// ready. When process is empty or is the ambiguous transport process
// (ssh), every known process is tried, in a deterministic (sorted)
// order, until one matches.
func (s *Store) Match(process string, outputLines []string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if process != "" && process != ambiguousProcess {
		if pp, ok := s.byProc[process]; ok {
			return matchProcess(pp, outputLines)
		}
		return "", nil
	}

	procs := make([]string, 0, len(s.byProc))
	for proc := range s.byProc {
		procs = append(procs, proc)
	}
	sort.Strings(procs)

	for _, proc := range procs {
		state, err := matchProcess(s.byProc[proc], outputLines)
		if err != nil {
			return "", err
		}
		if state != "" {
			return state, nil
		}
	}
	return "", nil
}

func matchProcess(pp *processPatterns, outputLines []string) (State, error) {
	for _, p := range pp.ready {
		ok, err := p.Match(outputLines)
		if err != nil {
			return "", err
		}
		if ok {
			return Ready, nil
		}
	}
	for _, p := range pp.busy {
		ok, err := p.Match(outputLines)
		if err != nil {
			return "", err
		}
		if ok {
			return Busy, nil
		}
	}
	return "", nil
}

// Save atomically rewrites the backing file (write-temp, rename).
func (s *Store) Save() error {
	s.mu.RLock()
	schema := fileSchema{Process: make(map[string]processEntry, len(s.byProc))}
	for proc, pp := range s.byProc {
		schema.Process[proc] = processEntry{Ready: rawsOf(pp.ready), Busy: rawsOf(pp.busy)}
	}
	s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".patternstore-*.tmp")
	if err != nil {
		return fmt.Errorf("patternstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(schema); err != nil {
		tmp.Close()
		return fmt.Errorf("patternstore: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("patternstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("patternstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("patternstore: rename into place: %w", err)
	}
	return nil
}

func rawsOf(patterns []*patterndsl.Pattern) []string {
	if len(patterns) == 0 {
		return nil
	}
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.Raw
	}
	return out
}
