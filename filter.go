package changeflow

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

type tablePattern struct {
	schema glob.Glob // nil matches any schema
	table  glob.Glob
}

// TableFilter matches events against a list of table patterns.
// It accepts entries in either of the following formats:
//     <schema>.<table>
//     <schema>.*
//     <table>
// Both parts may use glob wildcards.
type TableFilter struct {
	patterns []tablePattern
}

// NewTableFilter compiles the given patterns.
func NewTableFilter(patterns []string) (*TableFilter, error) {
	f := &TableFilter{patterns: make([]tablePattern, 0, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		var tp tablePattern
		parts := strings.SplitN(p, ".", 2)
		tableExpr := parts[0]
		if len(parts) == 2 {
			g, err := glob.Compile(parts[0])
			if err != nil {
				return nil, fmt.Errorf("invalid schema pattern %q: %w", p, err)
			}
			tp.schema = g
			tableExpr = parts[1]
		}

		g, err := glob.Compile(tableExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", p, err)
		}
		tp.table = g
		f.patterns = append(f.patterns, tp)
	}
	return f, nil
}

// Empty reports whether the filter has no patterns.
func (f *TableFilter) Empty() bool {
	return len(f.patterns) == 0
}

// Match reports whether any pattern matches the object's table.
func (f *TableFilter) Match(obj ObjectData) bool {
	schema, table := obj.Table()
	for _, p := range f.patterns {
		if p.schema != nil && !p.schema.Match(schema) {
			continue
		}
		if p.table.Match(table) {
			return true
		}
	}
	return false
}

// WhitelistStage returns a StageFunc that drops events whose table does not
// match the filter.
func WhitelistStage(f *TableFilter) StageFunc {
	return func(event *ChangeEvent) (*ChangeEvent, error) {
		if f.Match(event) {
			return event, nil
		}
		return nil, nil
	}
}

// IgnoreStage returns a StageFunc that drops events whose table matches the
// filter.
func IgnoreStage(f *TableFilter) StageFunc {
	return func(event *ChangeEvent) (*ChangeEvent, error) {
		if f.Match(event) {
			return nil, nil
		}
		return event, nil
	}
}
