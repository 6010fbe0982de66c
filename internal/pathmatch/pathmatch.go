// Package pathmatch matches request paths against exclusion patterns.
//
// A pattern is one of:
//   - a literal path ("/admin"), matched exactly
//   - a route template with colon parameters ("/user/:id"), where each
//     parameter matches one path segment
//   - a regular expression in literal form ("/^\/internal/i"), evaluated
//     with ECMAScript semantics. The body must be anchored (leading "^" or
//     trailing "$") or carry flags, otherwise the entry is a path.
package pathmatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// Pattern matches paths.
type Pattern interface {
	Match(path string) bool
	String() string
}

type literal string

func (l literal) Match(path string) bool { return path == string(l) }
func (l literal) String() string         { return string(l) }

type expr struct {
	source string
	re     *regexp2.Regexp
}

func (e expr) Match(path string) bool {
	ok, err := e.re.MatchString(path)
	return err == nil && ok
}

func (e expr) String() string { return e.source }

var paramSegment = regexp.MustCompile(`:[^/]+`)

// Literal returns a pattern matching exactly path.
func Literal(path string) Pattern { return literal(path) }

// Template compiles a colon route template such as "/user/:id".
func Template(tmpl string) (Pattern, error) {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range paramSegment.FindAllStringIndex(tmpl, -1) {
		b.WriteString(regexp2.Escape(tmpl[last:loc[0]]))
		b.WriteString("[^/]+")
		last = loc[1]
	}
	b.WriteString(regexp2.Escape(tmpl[last:]))
	b.WriteString("$")
	re, err := regexp2.Compile(b.String(), regexp2.ECMAScript)
	if err != nil {
		return nil, fmt.Errorf("invalid route template %q: %w", tmpl, err)
	}
	return expr{source: tmpl, re: re}, nil
}

// Regexp compiles an expression with optional flags ("i", "m").
func Regexp(source, flags string) (Pattern, error) {
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 'g', 'y', 'u':
			// no effect on a single match
		default:
			return nil, fmt.Errorf("unsupported regexp flag %q", f)
		}
	}
	re, err := regexp2.Compile(source, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid regexp %q: %w", source, err)
	}
	return expr{source: "/" + source + "/" + flags, re: re}, nil
}

// Parse turns a configured entry into a pattern.
func Parse(entry string) (Pattern, error) {
	if len(entry) > 2 && entry[0] == '/' {
		if end := strings.LastIndex(entry, "/"); end > 0 && isFlags(entry[end+1:]) && looksLikeRegexp(entry[1:end], entry[end+1:]) {
			return Regexp(entry[1:end], entry[end+1:])
		}
	}
	if strings.Contains(entry, ":") {
		return Template(entry)
	}
	return Literal(entry), nil
}

func isFlags(s string) bool {
	return strings.Trim(s, "gimuy") == ""
}

// looksLikeRegexp keeps plain paths like "/docs/v1.2/" or "/users/i" from
// being read as expressions: the body must be anchored, or carry flags and
// at least one metacharacter.
func looksLikeRegexp(body, flags string) bool {
	if strings.HasPrefix(body, "^") || strings.HasSuffix(body, "$") {
		return true
	}
	return flags != "" && strings.ContainsAny(body, `\()[]{}*+?|.`)
}

// ParseAll parses every entry.
func ParseAll(entries []string) (Set, error) {
	set := make(Set, 0, len(entries))
	for _, e := range entries {
		p, err := Parse(e)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return set, nil
}

// Set matches a path if any of its patterns does.
type Set []Pattern

func (s Set) Match(path string) bool {
	for _, p := range s {
		if p.Match(path) {
			return true
		}
	}
	return false
}
