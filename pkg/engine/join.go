package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/token"
)

// errJoinAbandoned marks an arrival at a group that can no longer fill because a
// sibling branch reached a terminal outcome or the group timed out. It is a
// recoverable condition: the arriving token fails, the run continues.
var errJoinAbandoned = errors.New("join group abandoned")

// joinGroup tracks one fork group's pending arrivals at a coalesce node. The
// coalesce step is the sole synchronization point between sibling branches and must
// be idempotent per group: a branch arriving twice, or after the group has merged,
// is a logic error that is surfaced, never swallowed.
type joinGroup struct {
	nodeID    string
	expected  []string
	arrived   map[string]*token.Token
	merged    bool
	abandoned bool
	reason    string
	firstAt   time.Time
}

func (g *joinGroup) complete() bool {
	if len(g.expected) == 0 || len(g.arrived) != len(g.expected) {
		return false
	}
	for _, branch := range g.expected {
		if _, ok := g.arrived[branch]; !ok {
			return false
		}
	}
	return true
}

// orderedParents returns the arrived tokens in branch-declaration order so the
// contract fold and merge diagnostics are reproducible.
func (g *joinGroup) orderedParents() []*token.Token {
	out := make([]*token.Token, 0, len(g.arrived))
	for _, branch := range g.expected {
		if tok, ok := g.arrived[branch]; ok {
			out = append(out, tok)
		}
	}
	return out
}

// joinTable is the pending-join bookkeeping for every coalesce node, keyed by fork
// group id. All access is serialized by a single mutex.
type joinTable struct {
	mu     sync.Mutex
	groups map[string]*joinGroup
}

func newJoinTable() *joinTable {
	return &joinTable{groups: make(map[string]*joinGroup)}
}

func (t *joinTable) group(groupID string) *joinGroup {
	g, ok := t.groups[groupID]
	if !ok {
		g = &joinGroup{arrived: make(map[string]*token.Token)}
		t.groups[groupID] = g
	}
	return g
}

// joinArrival reports what happened when a sibling reached a coalesce node.
type joinArrival struct {
	// First is true when this arrival opened the group.
	First bool
	// Merged is true when this arrival completed the group; Parents then holds the
	// siblings in branch order and the caller owns the merge.
	Merged  bool
	Parents []*token.Token
}

// arrive registers one sibling at a coalesce node. Duplicate arrivals and arrivals
// after the merge are invariant violations.
func (t *joinTable) arrive(nodeID, groupID, branch string, tok *token.Token, expect []string, now time.Time) (joinArrival, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.group(groupID)
	first := g.nodeID == ""
	if first {
		g.nodeID = nodeID
		g.expected = expect
		g.firstAt = now
	}

	if g.merged {
		return joinArrival{}, domain.Invariant("engine.coalesce",
			"branch %q of fork group %s arrived after the group was merged", branch, groupID)
	}
	if g.abandoned {
		return joinArrival{}, fmt.Errorf("%w: %s", errJoinAbandoned, g.reason)
	}
	if _, dup := g.arrived[branch]; dup {
		return joinArrival{}, domain.Invariant("engine.coalesce",
			"branch %q of fork group %s arrived twice", branch, groupID)
	}

	g.arrived[branch] = tok
	if !g.complete() {
		return joinArrival{First: first}, nil
	}

	g.merged = true
	parents := g.orderedParents()
	g.arrived = make(map[string]*token.Token)
	return joinArrival{First: first, Merged: true, Parents: parents}, nil
}

// abandon marks a group unfillable because one of its branches reached a terminal
// outcome before the coalesce point. Tokens already parked in the group are
// returned so the caller can fail them; future arrivals see errJoinAbandoned.
func (t *joinTable) abandon(groupID, reason string) []*token.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.group(groupID)
	if g.merged || g.abandoned {
		return nil
	}
	g.abandoned = true
	g.reason = reason

	parked := make([]*token.Token, 0, len(g.arrived))
	for _, tok := range g.arrived {
		parked = append(parked, tok)
	}
	g.arrived = make(map[string]*token.Token)
	return parked
}

// expiredGroup pairs an abandoned group id with the tokens that were parked in it.
type expiredGroup struct {
	groupID string
	nodeID  string
	parked  []*token.Token
}

// sweepExpired abandons every group still waiting longer than timeout. A zero
// timeout disables sweeping. Groups a branch never coalesced into do not block the
// run forever; they fail loudly here instead.
func (t *joinTable) sweepExpired(now time.Time, timeout time.Duration) []expiredGroup {
	if timeout <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []expiredGroup
	for id, g := range t.groups {
		if g.merged || g.abandoned || g.firstAt.IsZero() {
			continue
		}
		if now.Sub(g.firstAt) < timeout {
			continue
		}
		g.abandoned = true
		g.reason = fmt.Sprintf("join group %s timed out after %s waiting for all branches", id, timeout)
		parked := make([]*token.Token, 0, len(g.arrived))
		for _, tok := range g.arrived {
			parked = append(parked, tok)
		}
		g.arrived = make(map[string]*token.Token)
		expired = append(expired, expiredGroup{groupID: id, nodeID: g.nodeID, parked: parked})
	}
	return expired
}

// drainPending abandons every group still waiting; used after the source is
// exhausted and all walks have settled, when no missing branch can ever arrive.
func (t *joinTable) drainPending(reason string) []expiredGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	var drained []expiredGroup
	for id, g := range t.groups {
		if g.merged || g.abandoned {
			continue
		}
		g.abandoned = true
		g.reason = reason
		parked := make([]*token.Token, 0, len(g.arrived))
		for _, tok := range g.arrived {
			parked = append(parked, tok)
		}
		g.arrived = make(map[string]*token.Token)
		drained = append(drained, expiredGroup{groupID: id, nodeID: g.nodeID, parked: parked})
	}
	return drained
}
