package patterndsl

import (
	"regexp"
	"strings"
	"sync"
)

// Pattern is a single, possibly multi-line, DSL pattern compiled lazily and
// cached. Pattern values are safe for concurrent Match calls once Compile
// has succeeded once; the daemon scheduler is single-threaded in practice,
// but the lock keeps the type honest for package-level tests that exercise
// it directly.
type Pattern struct {
	Raw string

	mu       sync.Mutex
	compiled []*regexp.Regexp
	err      error
}

// NewPattern wraps a raw DSL string. Compilation is deferred until the
// first Match or explicit Compile call and cached on the Pattern.
func NewPattern(raw string) *Pattern {
	return &Pattern{Raw: raw}
}

// Compile forces compilation (and caching) of every line of the pattern.
// Safe to call multiple times; only the first call does work.
func (p *Pattern) Compile() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compileLocked()
}

func (p *Pattern) compileLocked() error {
	if p.compiled != nil || p.err != nil {
		return p.err
	}
	lines := strings.Split(p.Raw, "\n")
	compiled := make([]*regexp.Regexp, 0, len(lines))
	for _, line := range lines {
		re, err := Compile(line)
		if err != nil {
			p.err = err
			return err
		}
		compiled = append(compiled, re)
	}
	p.compiled = compiled
	return nil
}

// Match reports whether this pattern matches the given output, which is
// the full set of currently visible lines (already split on line feed).
//
// A single-line pattern matches if any output line matches it. A
// multi-line pattern matches iff there is an index i such that pattern
// line j matches output line i+j for every j, after right-trimming each
// output line (trailing whitespace is not significant to the DSL).
func (p *Pattern) Match(outputLines []string) (bool, error) {
	p.mu.Lock()
	err := p.compileLocked()
	compiled := p.compiled
	p.mu.Unlock()
	if err != nil {
		return false, err
	}

	if len(compiled) == 0 {
		return false, nil
	}

	// A single-line pattern matches against the output verbatim: the DSL
	// itself is responsible for anchoring trailing content (e.g. "[$ ]$"
	// depends on a literal trailing space surviving to the match call).
	if len(compiled) == 1 {
		re := compiled[0]
		for _, line := range outputLines {
			if re.MatchString(line) {
				return true, nil
			}
		}
		return false, nil
	}

	for start := 0; start+len(compiled) <= len(outputLines); start++ {
		if matchesAt(compiled, outputLines, start) {
			return true, nil
		}
	}
	return false, nil
}

func matchesAt(compiled []*regexp.Regexp, outputLines []string, start int) bool {
	for j, re := range compiled {
		if !re.MatchString(rtrim(outputLines[start+j])) {
			return false
		}
	}
	return true
}

func rtrim(s string) string {
	return strings.TrimRight(s, " \t\r")
}
