// Package audit defines the narrow interface the engine needs from the Landscape
// audit trail: per-step input/output hashes and snapshots, explicit routing
// decisions, fork/join/expand group memberships for lineage reconstruction, and
// terminal outcomes with a one-outcome-per-token uniqueness guarantee.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Outcome is the terminal state recorded for a token. Exactly one outcome is
// recorded per token id.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeQuarantined Outcome = "quarantined"
)

// ErrDuplicateOutcome is returned when a second terminal outcome is recorded for a
// token. The engine escalates it to an invariant violation.
var ErrDuplicateOutcome = errors.New("terminal outcome already recorded for token")

// StepRecord captures one node execution over one token.
type StepRecord struct {
	TokenID    string
	NodeID     string
	InputHash  string
	OutputHash string
	Input      map[string]any
	Output     map[string]any
	At         time.Time
}

// RoutingRecord captures one routing decision, including plain "continue". Omitting
// the continue case from the trail is a known prior defect class; recording every
// decision is a correctness requirement here, not an optimization.
type RoutingRecord struct {
	TokenID string
	NodeID  string
	Action  string
	Target  string
	At      time.Time
}

// GroupKind labels a lineage group membership record.
type GroupKind string

const (
	GroupFork   GroupKind = "fork"
	GroupJoin   GroupKind = "join"
	GroupExpand GroupKind = "expand"
	// GroupAggregate links the tokens consumed by an aggregation flush to the
	// tokens it emitted.
	GroupAggregate GroupKind = "aggregate"
)

// GroupRecord captures a fork/join/expand group and its member tokens.
type GroupRecord struct {
	Kind    GroupKind
	GroupID string
	Members []string
	At      time.Time
}

// OutcomeRecord captures a token's terminal outcome.
type OutcomeRecord struct {
	TokenID string
	Outcome Outcome
	NodeID  string
	Detail  string
	At      time.Time
}

// Recorder is what the engine writes to. Implementations must enforce the terminal
// outcome uniqueness invariant in RecordOutcome.
type Recorder interface {
	RecordStep(ctx context.Context, rec StepRecord) error
	RecordRouting(ctx context.Context, rec RoutingRecord) error
	RecordGroup(ctx context.Context, rec GroupRecord) error
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
	Close() error
}

// HashRow computes a deterministic digest of row data for step records. Map keys are
// serialized in sorted order (encoding/json sorts map keys), so structurally equal
// rows hash equal.
func HashRow(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		// Row data reaching the audit layer is plain JSON-compatible values; a
		// marshal failure means a plugin leaked an opaque type into a row.
		raw = []byte("unhashable:" + err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
