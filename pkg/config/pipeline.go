package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rowline/rowline/pkg/domain"
)

// PipelineDoc is the YAML shape of a pipeline definition.
type PipelineDoc struct {
	ID      string    `yaml:"id"`
	Version int       `yaml:"version"`
	Name    string    `yaml:"name"`
	Nodes   []NodeDoc `yaml:"nodes"`
	Edges   []EdgeDoc `yaml:"edges"`
}

// NodeDoc is one node definition.
type NodeDoc struct {
	ID         string         `yaml:"id"`
	Kind       string         `yaml:"kind"`
	Type       string         `yaml:"type"`
	Config     map[string]any `yaml:"config"`
	Branches   []string       `yaml:"branches"`
	Expect     []string       `yaml:"expect"`
	Aggregate  *AggregateDoc  `yaml:"aggregate"`
	Governance *GovernanceDoc `yaml:"governance"`
}

// AggregateDoc configures batching for aggregate nodes.
type AggregateDoc struct {
	Count     int    `yaml:"count"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Output    string `yaml:"output"`
}

// GovernanceDoc holds per-node plugin invocation overrides.
type GovernanceDoc struct {
	TimeoutMS  int `yaml:"timeout_ms"`
	MaxRetries int `yaml:"max_retries"`
}

// LoadPipeline reads and validates a pipeline definition file.
func LoadPipeline(path string) (*domain.Pipeline, error) {
	//nolint:gosec // Pipeline file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses and validates a pipeline definition document.
func ParsePipeline(data []byte) (*domain.Pipeline, error) {
	var doc PipelineDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	return doc.ToDomain()
}

var nodeKinds = map[string]domain.NodeKind{
	string(domain.KindTransform): domain.KindTransform,
	string(domain.KindGate):      domain.KindGate,
	string(domain.KindFork):      domain.KindFork,
	string(domain.KindCoalesce):  domain.KindCoalesce,
	string(domain.KindAggregate): domain.KindAggregate,
	string(domain.KindSink):      domain.KindSink,
}

var outputModes = map[string]domain.AggregateOutputMode{
	"":                                  domain.AggregateSingle,
	string(domain.AggregateSingle):      domain.AggregateSingle,
	string(domain.AggregatePassthrough): domain.AggregatePassthrough,
	string(domain.AggregateTransform):   domain.AggregateTransform,
}

// ToDomain converts the document to a validated pipeline.
func (d *PipelineDoc) ToDomain() (*domain.Pipeline, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: pipeline id is required", domain.ErrPipelineInvalid)
	}
	if len(d.Nodes) == 0 {
		return nil, fmt.Errorf("%w: pipeline %q has no nodes", domain.ErrPipelineInvalid, d.ID)
	}

	p := &domain.Pipeline{
		ID:      d.ID,
		Version: d.Version,
		Name:    d.Name,
		Nodes:   make([]domain.Node, 0, len(d.Nodes)),
		Edges:   make([]domain.Edge, 0, len(d.Edges)),
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i, nd := range d.Nodes {
		if nd.ID == "" {
			return nil, fmt.Errorf("%w: node %d has no id", domain.ErrPipelineInvalid, i)
		}
		if seen[nd.ID] {
			return nil, fmt.Errorf("%w: duplicate node id %q", domain.ErrPipelineInvalid, nd.ID)
		}
		seen[nd.ID] = true

		kind, ok := nodeKinds[nd.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: node %q has unknown kind %q", domain.ErrPipelineInvalid, nd.ID, nd.Kind)
		}

		node := domain.Node{
			ID:       nd.ID,
			Kind:     kind,
			Type:     nd.Type,
			Config:   nd.Config,
			Branches: nd.Branches,
			Expect:   nd.Expect,
		}
		if nd.Governance != nil {
			node.Governance = domain.NodeGovernance{
				Timeout:    time.Duration(nd.Governance.TimeoutMS) * time.Millisecond,
				MaxRetries: nd.Governance.MaxRetries,
			}
		}

		switch kind {
		case domain.KindFork:
			if len(nd.Branches) == 0 {
				return nil, fmt.Errorf("%w: fork node %q declares no branches", domain.ErrPipelineInvalid, nd.ID)
			}
		case domain.KindCoalesce:
			if len(nd.Expect) == 0 {
				return nil, fmt.Errorf("%w: coalesce node %q expects no branches", domain.ErrPipelineInvalid, nd.ID)
			}
		case domain.KindAggregate:
			if nd.Aggregate == nil {
				return nil, fmt.Errorf("%w: aggregate node %q has no aggregate settings", domain.ErrPipelineInvalid, nd.ID)
			}
			if nd.Aggregate.Count <= 0 && nd.Aggregate.TimeoutMS <= 0 {
				return nil, fmt.Errorf("%w: aggregate node %q needs a count or timeout trigger (end-of-source alone buffers the whole run)",
					domain.ErrPipelineInvalid, nd.ID)
			}
			mode, ok := outputModes[nd.Aggregate.Output]
			if !ok {
				return nil, fmt.Errorf("%w: aggregate node %q has unknown output mode %q",
					domain.ErrPipelineInvalid, nd.ID, nd.Aggregate.Output)
			}
			node.Aggregate = &domain.AggregateSpec{
				Count:   nd.Aggregate.Count,
				Timeout: time.Duration(nd.Aggregate.TimeoutMS) * time.Millisecond,
				Output:  mode,
			}
		case domain.KindTransform, domain.KindGate, domain.KindSink:
			if nd.Type == "" {
				return nil, fmt.Errorf("%w: %s node %q has no plugin type", domain.ErrPipelineInvalid, kind, nd.ID)
			}
		}

		p.Nodes = append(p.Nodes, node)
	}

	edgeSeen := make(map[[2]string]bool, len(d.Edges))
	for _, ed := range d.Edges {
		if !seen[ed.From] {
			return nil, fmt.Errorf("%w: edge from unknown node %q", domain.ErrPipelineInvalid, ed.From)
		}
		if !seen[ed.To] {
			return nil, fmt.Errorf("%w: edge to unknown node %q", domain.ErrPipelineInvalid, ed.To)
		}
		key := [2]string{ed.From, ed.Label}
		if edgeSeen[key] {
			return nil, fmt.Errorf("%w: node %q has two edges labeled %q", domain.ErrPipelineInvalid, ed.From, ed.Label)
		}
		edgeSeen[key] = true
		p.Edges = append(p.Edges, domain.Edge{From: ed.From, To: ed.To, Label: ed.Label})
	}

	// Fork branches must each have a matching labeled edge; the default edge is
	// required everywhere a token continues.
	for _, n := range p.Nodes {
		if n.Kind == domain.KindFork {
			for _, branch := range n.Branches {
				if p.EdgeFrom(n.ID, branch) == "" {
					return nil, fmt.Errorf("%w: fork node %q has no edge for branch %q",
						domain.ErrPipelineInvalid, n.ID, branch)
				}
			}
		}
	}

	if err := checkAcyclic(p); err != nil {
		return nil, err
	}
	return p, nil
}

// EdgeDoc is one directed transition.
type EdgeDoc struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Label string `yaml:"label"`
}

// checkAcyclic rejects cycles with a three-color depth-first walk. Tokens walk
// edges forever on a cyclic graph, so this is a load-time error, not a runtime one.
func checkAcyclic(p *domain.Pipeline) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Nodes))

	adj := make(map[string][]string, len(p.Nodes))
	for _, e := range p.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return fmt.Errorf("%w: cycle through node %q", domain.ErrPipelineInvalid, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range p.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
