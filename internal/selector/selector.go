// Package selector implements the restricted data-binding path grammar used by
// UI descriptors:
//
//	name ( '[' ( int | '*' ) ']' )? ( '.' name ( '[' ( int | '*' ) ']' )? )*
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TruthRoot is the reserved root that renderer-side selectors may never name.
const TruthRoot = "truth_model"

var grammar = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\[(\d+|\*)\])?(\.[A-Za-z_][A-Za-z0-9_]*(\[(\d+|\*)\])?)*$`)

// Segment is one dotted component of a selector.
type Segment struct {
	Name  string
	Index int  // -1 when absent
	All   bool // [*]
}

// Valid reports whether s full-matches the grammar.
func Valid(s string) bool {
	return grammar.MatchString(s)
}

// Forbidden reports whether s reaches into the truth model.
func Forbidden(s string) bool {
	return s == TruthRoot || strings.HasPrefix(s, TruthRoot+".") || strings.HasPrefix(s, TruthRoot+"[")
}

// Parse splits a valid selector into segments.
func Parse(s string) ([]Segment, error) {
	if !Valid(s) {
		return nil, fmt.Errorf("invalid selector %q", s)
	}
	parts := strings.Split(s, ".")
	out := make([]Segment, 0, len(parts))
	for _, p := range parts {
		seg := Segment{Name: p, Index: -1}
		if i := strings.IndexByte(p, '['); i >= 0 {
			seg.Name = p[:i]
			inner := p[i+1 : len(p)-1]
			if inner == "*" {
				seg.All = true
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("invalid index in %q", s)
				}
				seg.Index = n
			}
		}
		out = append(out, seg)
	}
	return out, nil
}

// Resolve walks root (a generic JSON value) along s. A [*] segment maps the
// remainder of the path over every element. Missing keys and out of range
// indexes resolve to nil, false.
func Resolve(root any, s string) (any, bool) {
	segs, err := Parse(s)
	if err != nil {
		return nil, false
	}
	return resolve(root, segs)
}

func resolve(cur any, segs []Segment) (any, bool) {
	if len(segs) == 0 {
		return cur, true
	}
	seg := segs[0]
	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	next, ok := obj[seg.Name]
	if !ok {
		return nil, false
	}
	switch {
	case seg.All:
		list, ok := next.([]any)
		if !ok {
			return nil, false
		}
		out := make([]any, 0, len(list))
		for _, el := range list {
			v, ok := resolve(el, segs[1:])
			if !ok {
				continue
			}
			out = append(out, v)
		}
		return out, true
	case seg.Index >= 0:
		list, ok := next.([]any)
		if !ok || seg.Index >= len(list) {
			return nil, false
		}
		return resolve(list[seg.Index], segs[1:])
	}
	return resolve(next, segs[1:])
}
