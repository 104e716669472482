package changeflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RouteRule describes the overrides applied to events of matching tables.
type RouteRule struct {
	Tables          []string          `yaml:"tables"`
	Hint            string            `yaml:"hint"`
	WithoutSchema   bool              `yaml:"without_schema"`
	UsingShard      bool              `yaml:"using_shard"`
	LogicSchema     string            `yaml:"logic_schema"`
	SyncMode        string            `yaml:"sync_mode"`
	SyncConsistency string            `yaml:"sync_consistency"`
	Remedy          bool              `yaml:"remedy"`
	Props           map[string]string `yaml:"props"`
}

// RoutesFile is the on-disk format of a routes file.
type RoutesFile struct {
	Routes []RouteRule `yaml:"routes"`
}

type compiledRoute struct {
	rule        RouteRule
	filter      *TableFilter
	mode        *SyncMode
	consistency *SyncConsistency
}

// Router applies route overrides to change events.
type Router struct {
	routes []compiledRoute
}

// LoadRoutes reads a YAML routes file.
func LoadRoutes(path string) ([]RouteRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}

	var f RoutesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	return f.Routes, nil
}

// NewRouter compiles the given rules.
func NewRouter(rules []RouteRule) (*Router, error) {
	r := &Router{}
	for i, rule := range rules {
		filter, err := NewTableFilter(rule.Tables)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}

		cr := compiledRoute{rule: rule, filter: filter}
		if rule.SyncMode != "" {
			mode, err := ParseSyncMode(rule.SyncMode)
			if err != nil {
				return nil, fmt.Errorf("route %d: %w", i, err)
			}
			cr.mode = &mode
		}
		if rule.SyncConsistency != "" {
			consistency, err := ParseSyncConsistency(rule.SyncConsistency)
			if err != nil {
				return nil, fmt.Errorf("route %d: %w", i, err)
			}
			cr.consistency = &consistency
		}
		r.routes = append(r.routes, cr)
	}
	return r, nil
}

// Route applies every matching rule, in order, to the event.
func (r *Router) Route(event *ChangeEvent) {
	for _, route := range r.routes {
		if !route.filter.Match(event) {
			continue
		}

		rule := route.rule
		if rule.Hint != "" {
			event.Hint = rule.Hint
		}
		if rule.WithoutSchema {
			event.WithoutSchema = true
		}
		if rule.UsingShard {
			event.UsingShard = true
			if rule.LogicSchema != "" {
				event.LogicSchemaName = rule.LogicSchema
			}
		}
		if rule.Remedy {
			event.Remedy = true
		}
		if route.mode != nil {
			mode := *route.mode
			event.SyncMode = &mode
		}
		if route.consistency != nil {
			consistency := *route.consistency
			event.SyncConsistency = &consistency
		}
		if len(rule.Props) > 0 {
			props := make(map[string]string, len(event.Props)+len(rule.Props))
			for k, v := range event.Props {
				props[k] = v
			}
			for k, v := range rule.Props {
				props[k] = v
			}
			event.SetProps(props)
		}
	}
}

// Stage returns the router as a pipeline StageFunc.
func (r *Router) Stage() StageFunc {
	return func(event *ChangeEvent) (*ChangeEvent, error) {
		r.Route(event)
		return event, nil
	}
}
