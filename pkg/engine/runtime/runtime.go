// Package runtime defines the core contracts shared by the pipeline executor and
// plugins, keeping row-processing logic decoupled from execution mechanics.
package runtime

import (
	"context"

	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/schema"
)

// RoutingKind classifies a gate's routing decision.
type RoutingKind string

const (
	// RouteContinue takes the default forward edge.
	RouteContinue RoutingKind = "continue"
	// RouteTo takes the named edge out of the current node.
	RouteTo RoutingKind = "route"
	// RouteFork splits the token into one child per named branch.
	RouteFork RoutingKind = "fork"
	// RouteDrop ends the token's path with an explicit drop (recorded as completed).
	RouteDrop RoutingKind = "drop"
)

// Routing is a gate's decision about where the token goes next. Every decision,
// including plain continue, is recorded in the audit trail.
type Routing struct {
	Kind     RoutingKind
	Target   string
	Branches []string
}

// Continue routes along the default forward edge.
func Continue() Routing { return Routing{Kind: RouteContinue} }

// To routes along the edge with the given label.
func To(target string) Routing { return Routing{Kind: RouteTo, Target: target} }

// ForkTo splits the token into the named branches.
func ForkTo(branches ...string) Routing { return Routing{Kind: RouteFork, Branches: branches} }

// Drop ends the token's path.
func Drop() Routing { return Routing{Kind: RouteDrop} }

// Result is what a transform or gate plugin hands back: a (possibly different) row,
// an optional successor contract, and for gates a routing decision. A nil Contract
// means pass-through: the node's output contract is its input contract.
//
// A transform that sets Expand replaces its token with one child per expanded row
// (one row exploding into many); Data is ignored in that case.
type Result struct {
	Data     map[string]any
	Expand   []map[string]any
	Contract *schema.Contract
	Routing  Routing
}

// WithDefaults fills the routing kind when plugins omit it.
func (r Result) WithDefaults() Result {
	if r.Routing.Kind == "" {
		r.Routing.Kind = RouteContinue
	}
	return r
}

// FlushResult is what an aggregation plugin produces from one buffered batch:
// zero or more output rows and an optional contract describing the output shape.
type FlushResult struct {
	Rows     []map[string]any
	Contract *schema.Contract
}

// TransformPlugin rewrites one row at a node.
type TransformPlugin interface {
	Transform(ctx context.Context, row schema.Row, node *domain.Node) (Result, error)
}

// GatePlugin evaluates one row and decides where its token goes next.
type GatePlugin interface {
	Evaluate(ctx context.Context, row schema.Row, node *domain.Node) (Result, error)
}

// AggregationPlugin consumes a whole buffered batch in one invocation.
type AggregationPlugin interface {
	Flush(ctx context.Context, rows []schema.Row, node *domain.Node) (FlushResult, error)
}

// TransformFunc adapts a function to TransformPlugin.
type TransformFunc func(ctx context.Context, row schema.Row, node *domain.Node) (Result, error)

// Transform implements TransformPlugin.
func (f TransformFunc) Transform(ctx context.Context, row schema.Row, node *domain.Node) (Result, error) {
	return f(ctx, row, node)
}

// GateFunc adapts a function to GatePlugin.
type GateFunc func(ctx context.Context, row schema.Row, node *domain.Node) (Result, error)

// Evaluate implements GatePlugin.
func (f GateFunc) Evaluate(ctx context.Context, row schema.Row, node *domain.Node) (Result, error) {
	return f(ctx, row, node)
}

// AggregationFunc adapts a function to AggregationPlugin.
type AggregationFunc func(ctx context.Context, rows []schema.Row, node *domain.Node) (FlushResult, error)

// Flush implements AggregationPlugin.
func (f AggregationFunc) Flush(ctx context.Context, rows []schema.Row, node *domain.Node) (FlushResult, error) {
	return f(ctx, rows, node)
}
