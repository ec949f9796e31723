package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeRetryCounter     metric.Int64Counter
	nodeTimeoutCounter   metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
)

// Execution outcomes reported by RecordNodeExecution.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// NodeMetrics captures the fields needed to record node execution telemetry.
type NodeMetrics struct {
	PipelineID      string
	PipelineVersion int
	NodeID          string
	NodeKind        string
	NodeType        string
	Outcome         string
	Duration        time.Duration
	Retries         int
}

// RecordNodeExecution emits counters and histograms that describe one plugin
// invocation, including every retry attempt it took.
func RecordNodeExecution(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.Int("pipeline.version", metrics.PipelineVersion),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.type", metrics.NodeType),
		attribute.String("node.outcome", metrics.Outcome),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == OutcomeTimeout {
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("rowline.engine")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"rowline.node.executions_total",
			metric.WithDescription("Pipeline node plugin executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"rowline.node.retries_total",
			metric.WithDescription("Retry attempts performed by pipeline node plugins"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"rowline.node.timeout_total",
			metric.WithDescription("Plugin invocations that exhausted their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"rowline.node.duration_ms",
			metric.WithDescription("Observed plugin execution latency"),
			metric.WithUnit("ms"),
		)
	})
	return metricsInitErr
}
