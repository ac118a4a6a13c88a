// Package route holds the exact-match and dynamic-segment route table that
// resolves an incoming method+path to either a static reply or an action
// name. It is built once from the route manifest and never mutated after.
package route

import (
	"strconv"
	"strings"

	"github.com/titanrun/titan/internal/domain"
)

// Table is an immutable route table: an exact "METHOD:PATH" map plus an
// ordered list of dynamic patterns. First pattern in list order wins;
// exact matches always take priority over dynamic ones.
type Table struct {
	exact   map[string]domain.Route
	dynamic []domain.DynamicRoute
}

// NewTable builds a Table from the decoded route manifest contents.
func NewTable(exact map[string]domain.Route, dynamic []domain.Route) *Table {
	t := &Table{
		exact:   make(map[string]domain.Route, len(exact)),
		dynamic: make([]domain.DynamicRoute, 0, len(dynamic)),
	}
	for k, v := range exact {
		t.exact[k] = v
	}
	for _, r := range dynamic {
		t.dynamic = append(t.dynamic, domain.DynamicRoute{
			Route:    r,
			Segments: compilePattern(r.Path),
		})
	}
	return t
}

func compilePattern(pattern string) []domain.PatternSegment {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]domain.PatternSegment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			name := p[1:]
			isNumber := false
			if idx := strings.Index(name, "<"); idx >= 0 && strings.HasSuffix(name, ">") {
				kind := name[idx+1 : len(name)-1]
				name = name[:idx]
				isNumber = kind == "number"
			}
			segs = append(segs, domain.PatternSegment{Param: name, IsNumber: isNumber})
			continue
		}
		segs = append(segs, domain.PatternSegment{Literal: p})
	}
	return segs
}

// Match resolves method+path to a Route and, for dynamic matches, the
// extracted path parameters. Exact matches are tried first; dynamic
// patterns are tried in declaration order and the first structural match
// wins, per the totality invariant (every request matches at most one
// route).
func (t *Table) Match(method, path string) (domain.Route, map[string]string, bool) {
	key := method + ":" + path
	if r, ok := t.exact[key]; ok {
		return r, nil, true
	}
	candidate := strings.Split(strings.Trim(path, "/"), "/")
	for _, dr := range t.dynamic {
		if dr.Method != method {
			continue
		}
		params, ok := matchSegments(dr.Segments, candidate)
		if ok {
			return dr.Route, params, true
		}
	}
	return domain.Route{}, nil, false
}

// Routes returns every exact and dynamic route, used by the admin control
// plane's ListRoutes introspection endpoint. The returned slice is a copy;
// mutating it does not affect the table.
func (t *Table) Routes() []domain.Route {
	out := make([]domain.Route, 0, len(t.exact)+len(t.dynamic))
	for _, r := range t.exact {
		out = append(out, r)
	}
	for _, dr := range t.dynamic {
		out = append(out, dr.Route)
	}
	return out
}

func matchSegments(pattern []domain.PatternSegment, candidate []string) (map[string]string, bool) {
	if len(pattern) != len(candidate) {
		return nil, false
	}
	params := make(map[string]string, len(pattern))
	for i, seg := range pattern {
		part := candidate[i]
		if seg.Param == "" {
			if seg.Literal != part {
				return nil, false
			}
			continue
		}
		if seg.IsNumber {
			if _, err := strconv.Atoi(part); err != nil {
				return nil, false
			}
		}
		params[seg.Param] = part
	}
	return params, true
}
