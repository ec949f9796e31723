// Package telemetry wires OpenTelemetry exporters and meters for the pipeline
// engine.
//
// It centralises trace provider setup, applies engine-specific resource
// attributes, and emits per-node execution metrics so operators can correlate
// slow or failing plugins with pipeline behaviour.
package telemetry
