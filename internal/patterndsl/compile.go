// Package patterndsl compiles the compact line-pattern DSL used to detect
// terminal readiness into regular expressions. Compilation is pure and
// side-effect free; callers are expected to cache the result (see Pattern
// in pattern.go).
package patterndsl

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CompileLine translates a single DSL line into a regular-expression
// source string. It does not anchor the result unless the DSL itself
// supplies '^'/'$' — callers decide how to use the result (e.g. wrapped
// in regexp.MustCompile directly, since Go's RE2 syntax is what this
// function emits).
func CompileLine(line string) (string, error) {
	var b strings.Builder
	n := len(line)
	i := 0

	if n > 0 && line[0] == '^' {
		b.WriteByte('^')
		i = 1
	}

	for i < n {
		if i == n-1 && line[i] == '$' {
			b.WriteByte('$')
			i++
			continue
		}

		c, size := utf8.DecodeRuneInString(line[i:])
		if c == utf8.RuneError && size <= 1 {
			c = unicode.ReplacementChar
			size = 1
		}

		if c == '[' {
			rest := line[i+1:]
			close := strings.IndexByte(rest, ']')
			if close < 0 {
				return "", fmt.Errorf("patterndsl: unterminated '[' starting at offset %d", i)
			}
			content := rest[:close]
			i = i + 1 + close + 1

			switch {
			case content == "*":
				b.WriteString(".*")
			case content == "+":
				b.WriteString(".+")
			case isAllDigits(content) && content != "":
				b.WriteString(".{")
				b.WriteString(content)
				b.WriteString("}")
			default:
				b.WriteString(regexp.QuoteMeta(content))
			}
			continue
		}

		var piece string
		switch c {
		case '#':
			piece = `\d`
		case 'w':
			piece = `\w`
		case '.':
			piece = `.`
		case '_':
			piece = ` `
		default:
			// Any other character is a literal and takes no quantifier,
			// so "v5" stays the two literal characters v and 5.
			b.WriteString(regexp.QuoteMeta(string(c)))
			i += size
			continue
		}
		i += size

		quant, consumed, err := parseQuantifier(line, i)
		if err != nil {
			return "", err
		}
		i += consumed

		b.WriteString(piece)
		b.WriteString(quant)
	}

	return b.String(), nil
}

// Compile is a convenience wrapper that compiles a single DSL line straight
// to a *regexp.Regexp.
func Compile(line string) (*regexp.Regexp, error) {
	src, err := CompileLine(line)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("patterndsl: generated invalid regex %q: %w", src, err)
	}
	return re, nil
}

// parseQuantifier reads an optional quantifier (+, *, ?, N, or N-M) starting
// at line[i:]. It returns the regex-quantifier suffix to append (possibly
// empty, meaning "exactly one"), the number of DSL bytes consumed, and an
// error for a malformed range such as a trailing '-' with no upper bound.
func parseQuantifier(line string, i int) (quant string, consumed int, err error) {
	n := len(line)
	if i >= n {
		return "", 0, nil
	}

	switch line[i] {
	case '+', '*', '?':
		return string(line[i]), 1, nil
	}

	if !isDigit(line[i]) {
		return "", 0, nil
	}

	start := i
	j := i
	for j < n && isDigit(line[j]) {
		j++
	}

	if j < n && line[j] == '-' {
		if j+1 >= n || !isDigit(line[j+1]) {
			return "", 0, fmt.Errorf("patterndsl: malformed count range at offset %d", start)
		}
		k := j + 1
		for k < n && isDigit(line[k]) {
			k++
		}
		return fmt.Sprintf("{%s,%s}", line[start:j], line[j+1:k]), k - start, nil
	}

	return fmt.Sprintf("{%s}", line[start:j]), j - start, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
