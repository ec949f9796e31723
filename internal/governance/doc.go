// Package governance coordinates runtime safety controls for plugin invocation:
// per-node timeouts, retry policies with exponential backoff, and the abandonment
// clock for coalesce groups that will never fill. The executor depends on these
// primitives so a misbehaving plugin cannot stall a whole run.
package governance
