package domain

import "time"

// NodeKind classifies what a pipeline node does to the tokens passing through it.
type NodeKind string

const (
	// KindTransform invokes a transform plugin that rewrites row data.
	KindTransform NodeKind = "transform"
	// KindGate invokes a gate plugin whose routing decision picks the next edge.
	KindGate NodeKind = "gate"
	// KindFork splits a token into one child per declared branch.
	KindFork NodeKind = "fork"
	// KindCoalesce buffers sibling tokens until every expected branch has arrived,
	// then merges them into a single successor token.
	KindCoalesce NodeKind = "coalesce"
	// KindAggregate buffers rows until a count, timeout, or end-of-source trigger fires.
	KindAggregate NodeKind = "aggregate"
	// KindSink is the terminal boundary: row data is exported and the token completes.
	KindSink NodeKind = "sink"
)

// AggregateOutputMode selects what an aggregation flush emits.
type AggregateOutputMode string

const (
	// AggregateSingle merges the whole batch into one output row.
	AggregateSingle AggregateOutputMode = "single"
	// AggregatePassthrough forwards the buffered tokens unchanged, preserving identity.
	AggregatePassthrough AggregateOutputMode = "passthrough"
	// AggregateTransform replaces the batch with plugin-produced rows (N→M).
	AggregateTransform AggregateOutputMode = "transform"
)

// Pipeline is a directed acyclic graph of processing nodes that tokens walk.
type Pipeline struct {
	ID      string
	Version int
	Name    string
	Nodes   []Node
	Edges   []Edge
}

// Node is a single processing step in the pipeline DAG.
type Node struct {
	ID     string
	Kind   NodeKind
	Type   string         // plugin type, e.g. "transform.rename", "gate.threshold"
	Config map[string]any // plugin-specific configuration

	// Branches lists the branch names a fork node splits into. Fork nodes only.
	Branches []string
	// Expect lists the branch names a coalesce node waits for. Coalesce nodes only.
	Expect []string
	// Aggregate holds batching settings. Aggregate nodes only.
	Aggregate *AggregateSpec

	Governance NodeGovernance
}

// AggregateSpec configures the batching triggers and output shape of an aggregate node.
type AggregateSpec struct {
	// Count flushes the buffer when it reaches this many rows. Zero disables the trigger.
	Count int
	// Timeout flushes the buffer this long after its first row arrived. Zero disables.
	Timeout time.Duration
	// Output selects the flush shape. Defaults to AggregateSingle.
	Output AggregateOutputMode
}

// NodeGovernance holds per-node safety overrides for plugin invocation.
type NodeGovernance struct {
	Timeout    time.Duration
	MaxRetries int
}

// Edge is a directed transition between two nodes. Label names the fork branch or gate
// route that selects it; the empty label is the default forward edge.
type Edge struct {
	From  string
	To    string
	Label string
}

// NodeByID returns the node with the given id, or nil.
func (p *Pipeline) NodeByID(id string) *Node {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// EdgeFrom returns the target of the edge leaving from with the given label.
// The empty string result means no such edge exists.
func (p *Pipeline) EdgeFrom(from, label string) string {
	for _, e := range p.Edges {
		if e.From == from && e.Label == label {
			return e.To
		}
	}
	return ""
}

// EntryNodeID returns the id of the first node, the entry point for source tokens.
func (p *Pipeline) EntryNodeID() string {
	if len(p.Nodes) == 0 {
		return ""
	}
	return p.Nodes[0].ID
}
