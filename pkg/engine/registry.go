package engine

import (
	"strings"

	"github.com/rowline/rowline/pkg/engine/runtime"
)

// Registry stores canonical plugins per node type plus alias mappings, so pipeline
// definitions can address a plugin by any of its registered names.
type Registry struct {
	transforms   map[string]runtime.TransformPlugin
	gates        map[string]runtime.GatePlugin
	aggregations map[string]runtime.AggregationPlugin
	aliases      map[string]string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		transforms:   make(map[string]runtime.TransformPlugin),
		gates:        make(map[string]runtime.GatePlugin),
		aggregations: make(map[string]runtime.AggregationPlugin),
		aliases:      make(map[string]string),
	}
}

func (r *Registry) addAliases(canonical string, aliases []string) {
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
}

// RegisterTransform adds or replaces a transform plugin for a node type.
func (r *Registry) RegisterTransform(nodeType string, plugin runtime.TransformPlugin, aliases ...string) {
	r.transforms[nodeType] = plugin
	r.addAliases(nodeType, aliases)
}

// RegisterGate adds or replaces a gate plugin for a node type.
func (r *Registry) RegisterGate(nodeType string, plugin runtime.GatePlugin, aliases ...string) {
	r.gates[nodeType] = plugin
	r.addAliases(nodeType, aliases)
}

// RegisterAggregation adds or replaces an aggregation plugin for a node type.
func (r *Registry) RegisterAggregation(nodeType string, plugin runtime.AggregationPlugin, aliases ...string) {
	r.aggregations[nodeType] = plugin
	r.addAliases(nodeType, aliases)
}

func (r *Registry) canonical(nodeType string) string {
	if target, ok := r.aliases[nodeType]; ok {
		return target
	}
	return nodeType
}

// Transform resolves a transform plugin by type or alias.
func (r *Registry) Transform(nodeType string) (runtime.TransformPlugin, bool) {
	p, ok := r.transforms[r.canonical(nodeType)]
	return p, ok
}

// Gate resolves a gate plugin by type or alias.
func (r *Registry) Gate(nodeType string) (runtime.GatePlugin, bool) {
	p, ok := r.gates[r.canonical(nodeType)]
	return p, ok
}

// Aggregation resolves an aggregation plugin by type or alias.
func (r *Registry) Aggregation(nodeType string) (runtime.AggregationPlugin, bool) {
	p, ok := r.aggregations[r.canonical(nodeType)]
	return p, ok
}
