// Package pathmatch matches request paths against templated endpoint
// patterns. A pattern is a "/"-separated sequence of literal segments and
// named placeholders ("users/{id}/posts/{postId}"). Matching is anchored:
// the path must consume every pattern segment and nothing more.
package pathmatch

import (
	"fmt"
	"strings"
)

type segment struct {
	literal string
	name    string // placeholder name; empty for literals
}

// Pattern is a compiled endpoint template.
type Pattern struct {
	raw      string
	segments []segment
}

// Compile parses a template. Placeholders must span a whole segment and
// carry a non-empty name; "users/{}" and "users/x{id}" are rejected.
func Compile(raw string) (*Pattern, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("empty path pattern")
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("pattern %q: placeholder with no name", raw)
			}
			segs = append(segs, segment{name: name})
			continue
		}
		if strings.ContainsAny(part, "{}") {
			return nil, fmt.Errorf("pattern %q: placeholder must span a whole segment", raw)
		}
		if part == "" {
			return nil, fmt.Errorf("pattern %q: empty segment", raw)
		}
		segs = append(segs, segment{literal: part})
	}
	return &Pattern{raw: raw, segments: segs}, nil
}

// String returns the source template.
func (p *Pattern) String() string { return p.raw }

// Params returns the placeholder names in pattern order.
func (p *Pattern) Params() []string {
	var names []string
	for _, s := range p.segments {
		if s.name != "" {
			names = append(names, s.name)
		}
	}
	return names
}

// Match tests path against the pattern. On success it returns the
// placeholder values keyed by name. Matching is exact on literal segments
// and anchored at both ends, so "users/{id}" does not match "users/1/x".
func (p *Pattern) Match(path string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range p.segments {
		if seg.name != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.name] = parts[i]
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}
	return params, true
}
