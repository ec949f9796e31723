package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRecorder is an in-memory Recorder used in tests and single-process runs.
type MemoryRecorder struct {
	mu       sync.RWMutex
	steps    map[string][]StepRecord
	routings map[string][]RoutingRecord
	groups   map[GroupKind][]GroupRecord
	outcomes map[string]OutcomeRecord
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		steps:    make(map[string][]StepRecord),
		routings: make(map[string][]RoutingRecord),
		groups:   make(map[GroupKind][]GroupRecord),
		outcomes: make(map[string]OutcomeRecord),
	}
}

// RecordStep stores a step record.
func (r *MemoryRecorder) RecordStep(_ context.Context, rec StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[rec.TokenID] = append(r.steps[rec.TokenID], rec)
	return nil
}

// RecordRouting stores a routing decision.
func (r *MemoryRecorder) RecordRouting(_ context.Context, rec RoutingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routings[rec.TokenID] = append(r.routings[rec.TokenID], rec)
	return nil
}

// RecordGroup stores a lineage group membership.
func (r *MemoryRecorder) RecordGroup(_ context.Context, rec GroupRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[rec.Kind] = append(r.groups[rec.Kind], rec)
	return nil
}

// RecordOutcome stores a terminal outcome, enforcing one outcome per token id.
func (r *MemoryRecorder) RecordOutcome(_ context.Context, rec OutcomeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.outcomes[rec.TokenID]; exists {
		return fmt.Errorf("%w: token %s already %s, refusing %s",
			ErrDuplicateOutcome, rec.TokenID, prev.Outcome, rec.Outcome)
	}
	r.outcomes[rec.TokenID] = rec
	return nil
}

// Close is a no-op for the memory recorder.
func (r *MemoryRecorder) Close() error { return nil }

// Steps returns the recorded steps for a token, in order.
func (r *MemoryRecorder) Steps(tokenID string) []StepRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StepRecord, len(r.steps[tokenID]))
	copy(out, r.steps[tokenID])
	return out
}

// Routings returns the recorded routing decisions for a token, in order.
func (r *MemoryRecorder) Routings(tokenID string) []RoutingRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoutingRecord, len(r.routings[tokenID]))
	copy(out, r.routings[tokenID])
	return out
}

// Groups returns the recorded groups of one kind.
func (r *MemoryRecorder) Groups(kind GroupKind) []GroupRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GroupRecord, len(r.groups[kind]))
	copy(out, r.groups[kind])
	return out
}

// OutcomeFor returns the terminal outcome recorded for a token, if any.
func (r *MemoryRecorder) OutcomeFor(tokenID string) (OutcomeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.outcomes[tokenID]
	return rec, ok
}

// Outcomes returns a copy of every terminal outcome keyed by token id.
func (r *MemoryRecorder) Outcomes() map[string]OutcomeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]OutcomeRecord, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}
