package realtime

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Filter is a parsed row filter in PostgREST syntax, e.g. "team_id=eq.42"
// or "status=in.(open,full)".
type Filter struct {
	Column string
	Op     string
	Values []string
}

var filterOps = []string{"eq", "neq", "lt", "lte", "gt", "gte", "in"}

// ParseFilter parses s.
func ParseFilter(s string) (Filter, error) {
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("filter %q: want column=op.value", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: want column=op.value", s)
	}
	if !slices.Contains(filterOps, op) {
		return Filter{}, fmt.Errorf("filter %q: unsupported operator %q", s, op)
	}

	f := Filter{Column: column, Op: op}
	if op != "in" {
		f.Values = []string{value}
		return f, nil
	}

	if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
		return Filter{}, fmt.Errorf("filter %q: in expects a parenthesized list", s)
	}
	for v := range strings.SplitSeq(value[1:len(value)-1], ",") {
		f.Values = append(f.Values, strings.Trim(strings.TrimSpace(v), `"`))
	}
	return f, nil
}

// Match evaluates the filter against a row. A missing column never matches.
func (f Filter) Match(row map[string]any) bool {
	raw, ok := row[f.Column]
	if !ok {
		return false
	}
	if len(f.Values) == 0 {
		return false
	}
	got := stringify(raw)

	switch f.Op {
	case "eq":
		return got == f.Values[0]
	case "neq":
		return got != f.Values[0]
	case "in":
		return slices.Contains(f.Values, got)
	}

	c := compare(got, f.Values[0])
	switch f.Op {
	case "lt":
		return c < 0
	case "lte":
		return c <= 0
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	}
	return false
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// compare orders numerically when both sides are numbers, otherwise
// lexically.
func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// Matcher is a SubscriptionConfig compiled for matching payloads.
type Matcher struct {
	cfg    SubscriptionConfig
	filter *Filter
}

// NewMatcher normalizes and validates cfg and parses its filter once.
func NewMatcher(cfg SubscriptionConfig) (Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return Matcher{}, err
	}
	m := Matcher{cfg: cfg.Normalize()}
	if m.cfg.Filter != "" {
		f, err := ParseFilter(m.cfg.Filter)
		if err != nil {
			return Matcher{}, err
		}
		m.filter = &f
	}
	return m, nil
}

// Config returns the normalized config.
func (m Matcher) Config() SubscriptionConfig { return m.cfg }

// Match reports whether p is a change the config asks for. The filter is
// evaluated against the new row, or the old row for deletes.
func (m Matcher) Match(p Payload) bool {
	if m.cfg.Schema != p.Schema || m.cfg.Table != p.Table || !m.cfg.Event.Matches(p.EventType) {
		return false
	}
	if m.filter == nil {
		return true
	}
	row := p.New
	if p.EventType == EventDelete {
		row = p.Old
	}
	return m.filter.Match(row)
}
