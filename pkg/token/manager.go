package token

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/schema"
)

// Manager mints tokens and performs the lineage operations: initial creation,
// fork, coalesce, expand, and data replacement. It holds no per-token state;
// pending-join bookkeeping belongs to the engine.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a token manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// CreateInitialToken mints the first token for a validated source row. A nil contract
// here means a source plugin handed over an untyped row; that is caught immediately
// rather than propagated, because there is no such thing as an untyped token.
func (m *Manager) CreateInitialToken(data map[string]any, contract *schema.Contract) (*Token, error) {
	if contract == nil {
		return nil, domain.Invariant("token.create", "source row has no schema contract attached; "+
			"sources must resolve a contract before handing rows to the engine")
	}
	return &Token{
		RowID:   uuid.NewString(),
		TokenID: uuid.NewString(),
		Row:     schema.NewRow(data, contract),
	}, nil
}

// Fork splits parent into one child per branch name. Each child gets a deep copy of
// the parent's row data (branches may diverge independently) but shares the parent's
// contract instance: contracts are immutable, so sharing is safe and costs a pointer.
// All children share a fresh fork group id.
func (m *Manager) Fork(parent *Token, branches []string) ([]*Token, string, error) {
	if len(branches) == 0 {
		return nil, "", domain.Invariant("token.fork", "fork of token %s requested no branches", parent.TokenID)
	}
	contract := parent.Row.Contract()
	if contract == nil {
		return nil, "", domain.Invariant("token.fork", "token %s reached a fork with no contract", parent.TokenID)
	}

	forkGroupID := uuid.NewString()
	data := parent.Row.ToMap()
	children := make([]*Token, 0, len(branches))
	for _, branch := range branches {
		children = append(children, &Token{
			RowID:         parent.RowID,
			TokenID:       uuid.NewString(),
			Row:           schema.NewRow(deepCopyData(data), contract),
			BranchName:    branch,
			ForkGroupID:   forkGroupID,
			ExpandGroupID: parent.ExpandGroupID,
		})
	}

	m.logger.Debug("token forked",
		"row_id", parent.RowID,
		"parent_token_id", parent.TokenID,
		"fork_group_id", forkGroupID,
		"branches", branches,
	)
	return children, forkGroupID, nil
}

// Coalesce consumes the sibling parents and produces exactly one successor token
// carrying the merged row and a fresh join group id. Every parent must carry a
// contract: a nil contract here indicates an upstream bug and aborts the merge
// rather than proceeding with a partial contract.
//
// Contracts are folded in the order the parents are given; the merge algebra is
// order-independent, but callers should pass branch-declaration order so conflict
// messages are reproducible.
func (m *Manager) Coalesce(parents []*Token, mergedData map[string]any) (*Token, error) {
	if len(parents) == 0 {
		return nil, domain.Invariant("token.coalesce", "coalesce invoked with no parent tokens")
	}
	for _, p := range parents {
		if p.Row.Contract() == nil {
			return nil, domain.Invariant("token.coalesce",
				"token %s (branch %q) arrived at coalesce with no contract", p.TokenID, p.BranchName)
		}
	}

	merged := parents[0].Row.Contract()
	for _, p := range parents[1:] {
		next, err := merged.Merge(p.Row.Contract())
		if err != nil {
			return nil, fmt.Errorf("merging contract of branch %q: %w", p.BranchName, err)
		}
		merged = next
	}

	successor := &Token{
		RowID:       parents[0].RowID,
		TokenID:     uuid.NewString(),
		Row:         schema.NewRow(mergedData, merged),
		JoinGroupID: uuid.NewString(),
	}

	m.logger.Debug("tokens coalesced",
		"row_id", successor.RowID,
		"join_group_id", successor.JoinGroupID,
		"parents", len(parents),
	)
	return successor, nil
}

// Expand replaces parent with a variable, data-dependent number of children, one per
// child row (a single row exploding into many). Children follow the fork contract-
// sharing pattern but are tagged with an expand group id.
func (m *Manager) Expand(parent *Token, childRows []map[string]any) ([]*Token, string, error) {
	contract := parent.Row.Contract()
	if contract == nil {
		return nil, "", domain.Invariant("token.expand", "token %s reached an expand with no contract", parent.TokenID)
	}

	expandGroupID := uuid.NewString()
	children := make([]*Token, 0, len(childRows))
	for _, rowData := range childRows {
		children = append(children, &Token{
			RowID:         parent.RowID,
			TokenID:       uuid.NewString(),
			Row:           schema.NewRow(deepCopyData(rowData), contract),
			BranchName:    parent.BranchName,
			ForkGroupID:   parent.ForkGroupID,
			ExpandGroupID: expandGroupID,
		})
	}

	m.logger.Debug("token expanded",
		"row_id", parent.RowID,
		"expand_group_id", expandGroupID,
		"children", len(children),
	)
	return children, expandGroupID, nil
}

// WithUpdatedData returns a new token carrying the new row and every lineage field of
// the original. Callers must never reconstruct a Token by hand when only the data
// changed; this is the only way to avoid accidentally dropping lineage metadata.
func (m *Manager) WithUpdatedData(t *Token, row schema.Row) *Token {
	next := *t
	next.Row = row
	return &next
}
