// Package engine executes pipeline DAGs token by token: it drives transform, gate,
// and aggregation plugins, applies routing decisions, buffers siblings at coalesce
// points, batches rows under count/timeout/end-of-source triggers, and records every
// step, routing decision, and terminal outcome to the audit trail.
//
// Concurrency model: each token's path through the graph is strictly sequential, but
// many tokens are in flight at once on a bounded worker pool. Contracts are the only
// object shared by reference across concurrent paths; they are immutable, so reads
// need no locking. Join and aggregation buffers are nodewide mutable state behind
// per-table mutexes with single-writer flush discipline.
package engine
