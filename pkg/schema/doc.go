// Package schema implements the per-node type contract that governs every row stream
// in a pipeline: field declarations, infer-and-lock typing, validation, and the merge
// algebra used at coalesce points.
//
// Contracts are immutable. Every "mutation" (WithField, WithLocked, Merge) returns a
// new contract and never alters the receiver, so one contract instance can be shared
// by reference across thousands of in-flight tokens without locking.
package schema
