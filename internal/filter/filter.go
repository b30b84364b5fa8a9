// Package filter applies the configured path-rejection rules to a
// candidate path before it is staged into the transfer, grounded on
// usbsas-filter/src/lib.rs's Rule/Rules.
package filter

import "strings"

// Result is the outcome of matching one path against a Rules set.
type Result int

const (
	PathOk Result = iota
	PathFiltered
)

// Rule is one path-rejection rule. All present sub-fields must match for
// the rule itself to match (an AND across sub-fields); Rules.MatchAll ORs
// across rules. Exact is a spec addition absent from the original Rust
// Rule, which only carried Contain/Start/End.
type Rule struct {
	Contain []string
	Start   string
	End     string
	Exact   string
}

// match reports whether path satisfies every non-empty sub-field of r.
// Callers must have already lowercased both path and the rule's fields.
func (r Rule) match(path string) bool {
	matched := false
	if len(r.Contain) > 0 {
		for _, frag := range r.Contain {
			if !strings.Contains(path, frag) {
				return false
			}
		}
		matched = true
	}
	if r.Start != "" {
		if !strings.HasPrefix(path, r.Start) {
			return false
		}
		matched = true
	}
	if r.End != "" {
		if !strings.HasSuffix(path, r.End) {
			return false
		}
		matched = true
	}
	if r.Exact != "" {
		if path != r.Exact {
			return false
		}
		matched = true
	}
	return matched
}

func (r Rule) toLower() Rule {
	lc := make([]string, len(r.Contain))
	for i, c := range r.Contain {
		lc[i] = strings.ToLower(c)
	}
	return Rule{
		Contain: lc,
		Start:   strings.ToLower(r.Start),
		End:     strings.ToLower(r.End),
		Exact:   strings.ToLower(r.Exact),
	}
}

// Rules is an ordered set of Rule, all lowercased up front so matching is
// case-insensitive without re-lowering on every call.
type Rules struct {
	rules []Rule
}

// New builds a Rules set from configuration rules, lowercasing them once.
func New(rules []Rule) Rules {
	rs := Rules{rules: make([]Rule, len(rules))}
	for i, r := range rules {
		rs.rules[i] = r.toLower()
	}
	return rs
}

// MatchAll reports whether path is rejected by any configured rule.
func (rs Rules) MatchAll(path string) Result {
	lc := strings.ToLower(path)
	for _, r := range rs.rules {
		if r.match(lc) {
			return PathFiltered
		}
	}
	return PathOk
}
