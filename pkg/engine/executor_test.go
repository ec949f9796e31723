package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowline/rowline/internal/governance"
	"github.com/rowline/rowline/pkg/audit"
	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/engine/runtime"
	"github.com/rowline/rowline/pkg/schema"
	"github.com/rowline/rowline/pkg/source"
)

// collector is a sink plugin that gathers exported rows.
type collector struct {
	mu   sync.Mutex
	rows []map[string]any
}

func (c *collector) plugin() runtime.TransformFunc {
	return func(_ context.Context, row schema.Row, _ *domain.Node) (runtime.Result, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.rows = append(c.rows, row.ToMap())
		return runtime.Result{}, nil
	}
}

func (c *collector) collected() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.rows))
	copy(out, c.rows)
	return out
}

func noop() runtime.TransformFunc {
	return func(_ context.Context, _ schema.Row, _ *domain.Node) (runtime.Result, error) {
		return runtime.Result{}, nil
	}
}

// setField returns a transform that adds one field to the row.
func setField(name string, value any) runtime.TransformFunc {
	return func(_ context.Context, row schema.Row, _ *domain.Node) (runtime.Result, error) {
		data := row.ToMap()
		data[name] = value
		return runtime.Result{Data: data}, nil
	}
}

func dynamicContract(t *testing.T) *schema.Contract {
	t.Helper()
	c, err := schema.NewContract(schema.ModeDynamic)
	require.NoError(t, err)
	return c
}

func newTestEngine(t *testing.T, reg *Registry) (*Engine, *audit.MemoryRecorder) {
	t.Helper()
	rec := audit.NewMemoryRecorder()
	e := New(reg, Config{
		Audit:        rec,
		Metrics:      NewMetrics(),
		Workers:      4,
		ProgressTick: 5 * time.Millisecond,
	})
	return e, rec
}

func TestRunQuarantinesTypeDriftAndContinues(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("noop", noop())
	reg.RegisterTransform("collect", out.plugin())

	pipeline := &domain.Pipeline{
		ID: "p-drift",
		Nodes: []domain.Node{
			{ID: "validate", Kind: domain.KindTransform, Type: "noop"},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "validate", To: "out"}},
	}

	// The first row locks amount as integer; the second presents a string and is
	// quarantined, never coerced, and the run continues.
	src := source.FromMaps(dynamicContract(t),
		map[string]any{"amount": 10},
		map[string]any{"amount": "oops"},
	)

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	require.Len(t, out.collected(), 1)
	assert.Equal(t, 10, out.collected()[0]["amount"])

	assert.Equal(t, 1, summary.Nodes["out"].Completed)
	assert.Equal(t, 1, summary.Nodes["validate"].Quarantined)
	require.Len(t, summary.Quarantines, 1)
	assert.Contains(t, summary.Quarantines[0].Reason, "amount")

	quarantined := 0
	for _, rec := range rec.Outcomes() {
		if rec.Outcome == audit.OutcomeQuarantined {
			quarantined++
			assert.Contains(t, rec.Detail, "amount")
		}
	}
	assert.Equal(t, 1, quarantined)
}

func forkJoinPipeline(xType, yType string) *domain.Pipeline {
	return &domain.Pipeline{
		ID: "p-forkjoin",
		Nodes: []domain.Node{
			{ID: "split", Kind: domain.KindFork, Branches: []string{"x", "y"}},
			{ID: "bx", Kind: domain.KindTransform, Type: xType},
			{ID: "by", Kind: domain.KindTransform, Type: yType},
			{ID: "join", Kind: domain.KindCoalesce, Expect: []string{"x", "y"}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{
			{From: "split", To: "bx", Label: "x"},
			{From: "split", To: "by", Label: "y"},
			{From: "bx", To: "join"},
			{From: "by", To: "join"},
			{From: "join", To: "out"},
		},
	}
}

func TestForkCoalesceMergesOneSidedFieldAsOptional(t *testing.T) {
	out := &collector{}
	var inspected *schema.Contract
	var inspectMu sync.Mutex

	reg := NewRegistry()
	reg.RegisterTransform("noop", noop())
	reg.RegisterTransform("add-extra", setField("extra", "hello"))
	reg.RegisterTransform("collect", runtime.TransformFunc(
		func(ctx context.Context, row schema.Row, node *domain.Node) (runtime.Result, error) {
			inspectMu.Lock()
			inspected = row.Contract()
			inspectMu.Unlock()
			return out.plugin()(ctx, row, node)
		}))

	pipeline := forkJoinPipeline("add-extra", "noop")
	src := source.FromMaps(dynamicContract(t), map[string]any{"id": 1})

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	rows := out.collected()
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0]["extra"])
	assert.Equal(t, 1, rows[0]["id"])

	// A field produced on only one branch survives the merge but cannot be a
	// joint guarantee.
	inspectMu.Lock()
	defer inspectMu.Unlock()
	require.NotNil(t, inspected)
	field, ok := inspected.Field("extra")
	require.True(t, ok)
	assert.False(t, field.Required)
	assert.Equal(t, schema.TypeString, field.ValueType)

	groups := rec.Groups(audit.GroupJoin)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 3) // two parents plus the successor

	assert.Equal(t, 2, summary.Nodes["join"].Completed) // both parents coalesced
	assert.Equal(t, 1, summary.Nodes["out"].Completed)
}

func TestCoalesceConflictingBranchTypesQuarantinesGroup(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("flag-bool", setField("flag", true))
	reg.RegisterTransform("flag-int", setField("flag", 7))
	reg.RegisterTransform("collect", out.plugin())

	pipeline := forkJoinPipeline("flag-bool", "flag-int")
	src := source.FromMaps(dynamicContract(t), map[string]any{"id": 1})

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	assert.Empty(t, out.collected())
	assert.Equal(t, 2, summary.Nodes["join"].Quarantined)
	require.Len(t, summary.Quarantines, 2)
	for _, q := range summary.Quarantines {
		assert.Contains(t, q.Reason, "flag")
	}

	conflicted := 0
	for _, o := range rec.Outcomes() {
		if o.Outcome == audit.OutcomeQuarantined {
			conflicted++
			assert.Contains(t, o.Detail, "flag")
		}
	}
	assert.Equal(t, 2, conflicted)
}

func TestAggregateCountAndEndOfSourceTriggers(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("collect", out.plugin())
	reg.RegisterAggregation("batch-count", runtime.AggregationFunc(
		func(_ context.Context, rows []schema.Row, _ *domain.Node) (runtime.FlushResult, error) {
			return runtime.FlushResult{Rows: []map[string]any{{"batch_size": len(rows)}}}, nil
		}))

	pipeline := &domain.Pipeline{
		ID: "p-agg",
		Nodes: []domain.Node{
			{ID: "agg", Kind: domain.KindAggregate, Type: "batch-count",
				Aggregate: &domain.AggregateSpec{Count: 3, Output: domain.AggregateSingle}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "agg", To: "out"}},
	}

	rows := make([]map[string]any, 5)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	src := source.FromMaps(dynamicContract(t), rows...)

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	// One count-triggered flush of 3, one end-of-source flush of 2, both routed
	// through the downstream sink.
	sizes := make(map[int]int)
	for _, row := range out.collected() {
		sizes[row["batch_size"].(int)]++
	}
	assert.Equal(t, map[int]int{3: 1, 2: 1}, sizes)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.metrics.flushesTotal.WithLabelValues("agg", "count")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.metrics.flushesTotal.WithLabelValues("agg", "end_of_source")))

	assert.Len(t, rec.Groups(audit.GroupAggregate), 2)
	assert.Equal(t, 5, summary.Nodes["agg"].Completed)
	assert.Equal(t, 2, summary.Nodes["out"].Completed)
}

func TestAggregateSingleModeWarnsOnExtraRows(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("collect", out.plugin())
	reg.RegisterAggregation("fan-out", runtime.AggregationFunc(
		func(_ context.Context, _ []schema.Row, _ *domain.Node) (runtime.FlushResult, error) {
			return runtime.FlushResult{Rows: []map[string]any{{"part": 1}, {"part": 2}}}, nil
		}))

	pipeline := &domain.Pipeline{
		ID: "p-agg-single",
		Nodes: []domain.Node{
			{ID: "agg", Kind: domain.KindAggregate, Type: "fan-out",
				Aggregate: &domain.AggregateSpec{Count: 2, Output: domain.AggregateSingle}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "agg", To: "out"}},
	}

	var logs bytes.Buffer
	e := New(reg, Config{
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
		Audit:        audit.NewMemoryRecorder(),
		Metrics:      NewMetrics(),
		Workers:      4,
		ProgressTick: 5 * time.Millisecond,
	})

	src := source.FromMaps(dynamicContract(t), map[string]any{"n": 1}, map[string]any{"n": 2})
	_, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	// Only the first flush row survives; the drop is visible in the log.
	require.Len(t, out.collected(), 1)
	assert.Equal(t, 1, out.collected()[0]["part"])
	assert.Contains(t, logs.String(), "single output mode dropped extra batch rows")
}

// pausingSource keeps the run alive after its rows so timeout triggers can fire.
type pausingSource struct {
	rows  []source.Row
	idx   int
	pause time.Duration
}

func (s *pausingSource) Next(ctx context.Context) (source.Row, error) {
	if s.idx < len(s.rows) {
		row := s.rows[s.idx]
		s.idx++
		return row, nil
	}
	select {
	case <-time.After(s.pause):
	case <-ctx.Done():
		return source.Row{}, ctx.Err()
	}
	return source.Row{}, io.EOF
}

func TestAggregateTimeoutTriggerFiresOnQuietSource(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("collect", out.plugin())
	reg.RegisterAggregation("batch-count", runtime.AggregationFunc(
		func(_ context.Context, rows []schema.Row, _ *domain.Node) (runtime.FlushResult, error) {
			return runtime.FlushResult{Rows: []map[string]any{{"batch_size": len(rows)}}}, nil
		}))

	pipeline := &domain.Pipeline{
		ID: "p-agg-timeout",
		Nodes: []domain.Node{
			{ID: "agg", Kind: domain.KindAggregate, Type: "batch-count",
				Aggregate: &domain.AggregateSpec{Count: 100, Timeout: 30 * time.Millisecond}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "agg", To: "out"}},
	}

	src := &pausingSource{
		rows:  []source.Row{{Data: map[string]any{"n": 1}, Contract: dynamicContract(t)}},
		pause: 300 * time.Millisecond,
	}

	e, _ := newTestEngine(t, reg)
	_, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	require.Len(t, out.collected(), 1)
	assert.Equal(t, 1, out.collected()[0]["batch_size"])
	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.metrics.flushesTotal.WithLabelValues("agg", "timeout")))
}

// steppingSource runs a hook before handing out each row.
type steppingSource struct {
	rows   []source.Row
	idx    int
	before func(i int)
}

func (s *steppingSource) Next(_ context.Context) (source.Row, error) {
	if s.idx >= len(s.rows) {
		return source.Row{}, io.EOF
	}
	if s.before != nil {
		s.before(s.idx)
	}
	row := s.rows[s.idx]
	s.idx++
	return row, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAggregateTimeoutTriggerFiresOnArrival(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("collect", out.plugin())
	reg.RegisterAggregation("batch-count", runtime.AggregationFunc(
		func(_ context.Context, rows []schema.Row, _ *domain.Node) (runtime.FlushResult, error) {
			return runtime.FlushResult{Rows: []map[string]any{{"batch_size": len(rows)}}}, nil
		}))

	pipeline := &domain.Pipeline{
		ID: "p-agg-arrival",
		Nodes: []domain.Node{
			{ID: "agg", Kind: domain.KindAggregate, Type: "batch-count",
				Aggregate: &domain.AggregateSpec{Count: 100, Timeout: time.Second}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "agg", To: "out"}},
	}

	clock := &fakeClock{now: time.Now()}
	contract := dynamicContract(t)
	src := &steppingSource{
		rows: []source.Row{
			{Data: map[string]any{"n": 1}, Contract: contract},
			{Data: map[string]any{"n": 2}, Contract: contract},
		},
		before: func(i int) {
			if i == 1 {
				// Let the first row reach the buffer, then expire its window.
				time.Sleep(50 * time.Millisecond)
				clock.Advance(2 * time.Second)
			}
		},
	}

	// The tick never fires here, so only the arrival sweep can flush on timeout.
	e := New(reg, Config{
		Audit:        audit.NewMemoryRecorder(),
		Metrics:      NewMetrics(),
		Workers:      4,
		ProgressTick: time.Hour,
		Now:          clock.Now,
	})

	_, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	// The second arrival flushes the expired window of one row and starts its own,
	// which end of source then drains.
	require.Len(t, out.collected(), 2)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.metrics.flushesTotal.WithLabelValues("agg", "timeout")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.metrics.flushesTotal.WithLabelValues("agg", "end_of_source")))
}

func TestGateRoutingDecisionsAreAllRecorded(t *testing.T) {
	big := &collector{}
	small := &collector{}
	reg := NewRegistry()
	reg.RegisterGate("threshold", runtime.GateFunc(
		func(_ context.Context, row schema.Row, _ *domain.Node) (runtime.Result, error) {
			v, err := row.Get("amount")
			if err != nil {
				return runtime.Result{}, err
			}
			if v.(int) > 5 {
				return runtime.Result{Routing: runtime.To("big")}, nil
			}
			return runtime.Result{Routing: runtime.Continue()}, nil
		}))
	reg.RegisterTransform("collect-big", big.plugin())
	reg.RegisterTransform("collect-small", small.plugin())

	pipeline := &domain.Pipeline{
		ID: "p-gate",
		Nodes: []domain.Node{
			{ID: "route", Kind: domain.KindGate, Type: "threshold"},
			{ID: "big", Kind: domain.KindSink, Type: "collect-big"},
			{ID: "small", Kind: domain.KindSink, Type: "collect-small"},
		},
		Edges: []domain.Edge{
			{From: "route", To: "big", Label: "big"},
			{From: "route", To: "small"},
		},
	}

	src := source.FromMaps(dynamicContract(t),
		map[string]any{"amount": 10},
		map[string]any{"amount": 3},
	)

	e, rec := newTestEngine(t, reg)
	_, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	require.Len(t, big.collected(), 1)
	require.Len(t, small.collected(), 1)

	// Every routing decision is on the trail, including plain continue.
	actions := make(map[string]int)
	for tokenID := range rec.Outcomes() {
		for _, r := range rec.Routings(tokenID) {
			actions[r.Action]++
		}
	}
	assert.Equal(t, 1, actions["route"])
	assert.Equal(t, 1, actions["continue"])
}

func TestPluginFailureFailsTokenAndAbandonsJoinGroup(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("noop", noop())
	reg.RegisterTransform("boom", runtime.TransformFunc(
		func(_ context.Context, _ schema.Row, _ *domain.Node) (runtime.Result, error) {
			return runtime.Result{}, errors.New("upstream unavailable")
		}))
	reg.RegisterTransform("collect", out.plugin())

	pipeline := forkJoinPipeline("boom", "noop")
	src := source.FromMaps(dynamicContract(t), map[string]any{"id": 1})

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	assert.Empty(t, out.collected())
	// Neither the failed branch nor its sibling reaches the sink; the sibling is
	// failed via the abandonment policy instead of waiting forever.
	failed := 0
	abandoned := 0
	for _, o := range rec.Outcomes() {
		if o.Outcome == audit.OutcomeFailed {
			failed++
			if o.Detail != "upstream unavailable" {
				abandoned++
				assert.Contains(t, o.Detail, "join abandoned")
			}
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, 1, summary.Nodes["bx"].Failed)
}

func TestHaltOnPluginFailureAbortsRun(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterTransform("boom", runtime.TransformFunc(
		func(_ context.Context, _ schema.Row, _ *domain.Node) (runtime.Result, error) {
			return runtime.Result{}, errors.New("no")
		}))

	pipeline := &domain.Pipeline{
		ID:    "p-halt",
		Nodes: []domain.Node{{ID: "t", Kind: domain.KindTransform, Type: "boom"}},
	}

	e := New(reg, Config{
		Audit:               audit.NewMemoryRecorder(),
		HaltOnPluginFailure: true,
	})
	_, err := e.Run(context.Background(), pipeline, source.FromMaps(dynamicContract(t), map[string]any{"id": 1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin failed")
}

func TestTransientPluginErrorIsRetried(t *testing.T) {
	out := &collector{}
	var attempts int
	var mu sync.Mutex

	reg := NewRegistry()
	reg.RegisterTransform("flaky", runtime.TransformFunc(
		func(_ context.Context, _ schema.Row, _ *domain.Node) (runtime.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return runtime.Result{}, governance.Transient(errors.New("connection reset"))
			}
			return runtime.Result{}, nil
		}))
	reg.RegisterTransform("collect", out.plugin())

	pipeline := &domain.Pipeline{
		ID: "p-retry",
		Nodes: []domain.Node{
			{ID: "t", Kind: domain.KindTransform, Type: "flaky",
				Governance: domain.NodeGovernance{MaxRetries: 2}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "t", To: "out"}},
	}

	e, _ := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, source.FromMaps(dynamicContract(t), map[string]any{"id": 1}))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
	assert.Len(t, out.collected(), 1)
	assert.Equal(t, 1, summary.Nodes["out"].Completed)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(e.metrics.pluginRetries.WithLabelValues("t")))
}

func TestPassthroughFlushPreservesTokenIdentity(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("collect", out.plugin())

	pipeline := &domain.Pipeline{
		ID: "p-passthrough",
		Nodes: []domain.Node{
			{ID: "agg", Kind: domain.KindAggregate, Type: "window",
				Aggregate: &domain.AggregateSpec{Count: 2, Output: domain.AggregatePassthrough}},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "agg", To: "out"}},
	}

	src := source.FromMaps(dynamicContract(t),
		map[string]any{"n": 1},
		map[string]any{"n": 2},
	)

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, src)
	require.NoError(t, err)

	// Both buffered tokens continue with their own identity and complete at the
	// sink; no successor tokens are minted.
	assert.Len(t, out.collected(), 2)
	assert.Equal(t, 2, summary.Nodes["out"].Completed)
	assert.Equal(t, 0, summary.Nodes["agg"].Completed)

	groups := rec.Groups(audit.GroupAggregate)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
}

func TestUnknownPluginAbortsRun(t *testing.T) {
	pipeline := &domain.Pipeline{
		ID:    "p-unknown",
		Nodes: []domain.Node{{ID: "t", Kind: domain.KindTransform, Type: "nope"}},
	}

	e, _ := newTestEngine(t, NewRegistry())
	_, err := e.Run(context.Background(), pipeline, source.FromMaps(dynamicContract(t), map[string]any{"id": 1}))
	require.ErrorIs(t, err, domain.ErrUnknownPlugin)
}

func TestUnknownSinkPluginAbortsRun(t *testing.T) {
	pipeline := &domain.Pipeline{
		ID:    "p-unknown-sink",
		Nodes: []domain.Node{{ID: "out", Kind: domain.KindSink, Type: "no-such-plugin"}},
	}

	e, _ := newTestEngine(t, NewRegistry())
	summary, err := e.Run(context.Background(), pipeline, source.FromMaps(dynamicContract(t), map[string]any{"id": 1}))
	require.ErrorIs(t, err, domain.ErrUnknownPlugin)

	// The row was exported nowhere, so the token must not count as completed.
	assert.Equal(t, 0, summary.Nodes["out"].Completed)
}

func TestExtendAndValidateReportsEachFieldOnce(t *testing.T) {
	c := schema.MustContract(schema.ModeFixed,
		schema.FieldContract{NormalizedName: "amount", ValueType: schema.TypeInteger},
	)

	_, violations := extendAndValidate(c, map[string]any{
		"amount": "oops",
		"extra":  true,
	})

	require.Len(t, violations, 2)
	byField := map[string]schema.ViolationKind{}
	for _, v := range violations {
		byField[v.Field] = v.Kind
	}
	assert.Equal(t, schema.ViolationTypeMismatch, byField["amount"])
	assert.Equal(t, schema.ViolationUndeclaredField, byField["extra"])
}

func TestExpandReplacesTokenWithChildren(t *testing.T) {
	out := &collector{}
	reg := NewRegistry()
	reg.RegisterTransform("explode", runtime.TransformFunc(
		func(_ context.Context, row schema.Row, _ *domain.Node) (runtime.Result, error) {
			n, err := row.Get("count")
			if err != nil {
				return runtime.Result{}, err
			}
			children := make([]map[string]any, n.(int))
			for i := range children {
				children[i] = map[string]any{"count": i}
			}
			return runtime.Result{Expand: children}, nil
		}))
	reg.RegisterTransform("collect", out.plugin())

	pipeline := &domain.Pipeline{
		ID: "p-expand",
		Nodes: []domain.Node{
			{ID: "explode", Kind: domain.KindTransform, Type: "explode"},
			{ID: "out", Kind: domain.KindSink, Type: "collect"},
		},
		Edges: []domain.Edge{{From: "explode", To: "out"}},
	}

	e, rec := newTestEngine(t, reg)
	summary, err := e.Run(context.Background(), pipeline, source.FromMaps(dynamicContract(t), map[string]any{"count": 3}))
	require.NoError(t, err)

	assert.Len(t, out.collected(), 3)
	assert.Equal(t, 3, summary.Nodes["out"].Completed)

	groups := rec.Groups(audit.GroupExpand)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 4) // parent plus three children
}
