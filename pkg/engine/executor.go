package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rowline/rowline/internal/governance"
	"github.com/rowline/rowline/pkg/audit"
	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/engine/runtime"
	"github.com/rowline/rowline/pkg/schema"
	"github.com/rowline/rowline/pkg/source"
	"github.com/rowline/rowline/pkg/telemetry"
	"github.com/rowline/rowline/pkg/token"
)

// Config tunes one engine run.
type Config struct {
	Logger  *slog.Logger
	Audit   audit.Recorder
	Metrics *Metrics

	// Workers bounds how many token walks execute concurrently.
	Workers int
	// RateLimitRPS caps plugin invocations per second across all workers. Zero
	// disables the limiter.
	RateLimitRPS float64
	// JoinTimeout abandons a coalesce group whose first sibling has waited this
	// long. Zero waits until end of source.
	JoinTimeout time.Duration
	// ProgressTick is how often timeout triggers (aggregation and join) are swept.
	ProgressTick time.Duration
	// PluginTimeout is the default per-invocation deadline; node governance
	// settings override it.
	PluginTimeout time.Duration
	// HaltOnPluginFailure aborts the whole run on the first plugin failure instead
	// of failing only the affected token.
	HaltOnPluginFailure bool

	// Now is the clock used for trigger decisions. Defaults to time.Now.
	Now func() time.Time
}

// Engine walks tokens through one pipeline. An Engine executes a single Run; build
// a fresh one per run so join and aggregation state never leaks across runs.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	recorder audit.Recorder
	metrics  *Metrics
	registry *Registry
	tokens   *token.Manager
	limiter  *rate.Limiter
	tracer   trace.Tracer

	pipeline *domain.Pipeline
	joins    *joinTable
	aggs     *aggTable

	// nodeContracts is each node's stream contract: the contract that
	// infer-and-lock evolves as rows pass the node. Guarded by contractMu so
	// first observation wins under concurrency.
	contractMu    sync.Mutex
	nodeContracts map[string]*schema.Contract

	// srcContract evolves over source rows in emission order. Only drainSource
	// touches it, so first observation is deterministic at admission.
	srcContract *schema.Contract

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	summary *domain.RunSummary
	fatal   error
	cancel  context.CancelFunc
}

// New builds an engine over the given plugin registry.
func New(registry *Registry, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewMemoryRecorder()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = 250 * time.Millisecond
	}
	if cfg.PluginTimeout <= 0 {
		cfg.PluginTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		cfg:           cfg,
		logger:        cfg.Logger,
		recorder:      cfg.Audit,
		metrics:       cfg.Metrics,
		registry:      registry,
		tokens:        token.NewManager(cfg.Logger),
		tracer:        otel.Tracer("rowline.engine"),
		joins:         newJoinTable(),
		aggs:          newAggTable(),
		nodeContracts: make(map[string]*schema.Contract),
		sem:           make(chan struct{}, cfg.Workers),
	}
	if cfg.RateLimitRPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return e
}

func (e *Engine) now() time.Time { return e.cfg.Now() }

// BufferedTokens returns the rows currently parked in aggregation buffers, per
// node, for checkpointing. Each buffer is snapshotted under its own lock, so
// calling this mid-run captures a consistent view of parked rows; rows in
// flight between nodes are not captured.
func (e *Engine) BufferedTokens() map[string][]*token.Token {
	return e.aggs.snapshotAll()
}

// RestoreBuffered preloads an aggregation buffer with tokens recovered from a
// checkpoint. Must be called before Run.
func (e *Engine) RestoreBuffered(nodeID string, toks []*token.Token) {
	e.aggs.buffer(nodeID).restore(toks, e.now())
	e.metrics.UpdateBufferedRows(e.aggs.totalBuffered())
}

// Run drains the source through the pipeline and blocks until every token has a
// terminal outcome. The returned summary is valid even when err is non-nil; err is
// non-nil for invariant violations, source failures, and (with
// HaltOnPluginFailure) the first plugin failure.
func (e *Engine) Run(ctx context.Context, pipeline *domain.Pipeline, src source.Source) (*domain.RunSummary, error) {
	if pipeline == nil || len(pipeline.Nodes) == 0 {
		return domain.NewRunSummary(""), fmt.Errorf("%w: pipeline has no nodes", domain.ErrPipelineInvalid)
	}
	e.pipeline = pipeline
	e.summary = domain.NewRunSummary(pipeline.ID)

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.id", pipeline.ID),
			attribute.Int("pipeline.version", pipeline.Version),
		))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	tickDone := make(chan struct{})
	go e.tickLoop(ctx, tickDone)

	entry := pipeline.EntryNodeID()
	if err := e.drainSource(ctx, src, entry); err != nil {
		close(tickDone)
		e.wg.Wait()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.summary, err
	}
	e.wg.Wait()

	// End of source: flush every non-empty aggregation buffer, repeatedly, since a
	// flush can feed an aggregate node further downstream.
	for {
		batches := e.aggs.drainAll()
		if len(batches) == 0 {
			break
		}
		for _, b := range batches {
			e.flushBatch(ctx, b)
		}
		e.wg.Wait()
	}

	// No branch can arrive anymore; unfilled joins fail loudly instead of hanging.
	for _, g := range e.joins.drainPending("source exhausted before all expected branches arrived") {
		e.metrics.RecordJoinAbandoned("end_of_source")
		e.metrics.JoinGroupClosed()
		for _, tok := range g.parked {
			e.finish(ctx, tok.TokenID, g.nodeID, audit.OutcomeFailed,
				"join abandoned: source exhausted before all expected branches arrived")
		}
	}
	e.wg.Wait()
	close(tickDone)

	if err := e.fatalErr(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.summary, err
	}
	return e.summary, nil
}

func (e *Engine) drainSource(ctx context.Context, src source.Source, entry string) error {
	for {
		row, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		e.metrics.RecordRowIngested()

		if row.Quarantined {
			// The source already rejected the row; it gets an outcome record but
			// never walks the pipeline.
			e.finish(ctx, uuid.NewString(), entry, audit.OutcomeQuarantined, row.Reason)
			e.metrics.RecordQuarantine(entry)
			continue
		}

		contract, violations, cerr := e.admitRow(row)
		if cerr != nil {
			tid := uuid.NewString()
			e.finish(ctx, tid, entry, audit.OutcomeQuarantined, cerr.Error())
			e.metrics.RecordQuarantine(entry)
			e.addQuarantineDetail(tid, entry, cerr.Error())
			continue
		}
		if len(violations) > 0 {
			detail := schema.JoinViolations(violations)
			tid := uuid.NewString()
			e.finish(ctx, tid, entry, audit.OutcomeQuarantined, detail)
			e.metrics.RecordQuarantine(entry)
			e.addQuarantineDetail(tid, entry, detail)
			continue
		}

		tok, err := e.tokens.CreateInitialToken(row.Data, contract)
		if err != nil {
			e.fail(err)
			return err
		}
		e.spawn(ctx, tok, entry)

		if err := e.fatalErr(); err != nil {
			return err
		}
	}
}

func (e *Engine) tickLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.ProgressTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.onTick(ctx)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// onTick fires the timeout triggers: aggregation buffers whose oldest row has waited
// past the node timeout flush, and join groups past JoinTimeout are abandoned.
func (e *Engine) onTick(ctx context.Context) {
	now := e.now()

	timeouts := make(map[string]time.Duration)
	for i := range e.pipeline.Nodes {
		n := &e.pipeline.Nodes[i]
		if n.Kind == domain.KindAggregate && n.Aggregate != nil {
			timeouts[n.ID] = n.Aggregate.Timeout
		}
	}
	for _, b := range e.aggs.sweepExpired(now, timeouts) {
		e.flushBatch(ctx, b)
	}

	for _, g := range e.joins.sweepExpired(now, e.cfg.JoinTimeout) {
		e.metrics.RecordJoinAbandoned("timeout")
		e.metrics.JoinGroupClosed()
		e.logger.Warn("join group timed out", "group_id", g.groupID, "node_id", g.nodeID)
		for _, tok := range g.parked {
			e.finish(ctx, tok.TokenID, g.nodeID, audit.OutcomeFailed,
				fmt.Sprintf("join abandoned: group %s timed out", g.groupID))
		}
	}
}

// spawn starts one token walk on its own goroutine, bounded by the worker
// semaphore. Walks spawn further walks (forks, expands, flushes), so a fixed queue
// would deadlock; the semaphore only bounds concurrency.
func (e *Engine) spawn(ctx context.Context, tok *token.Token, nodeID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.sem }()
		e.walk(ctx, tok, nodeID)
	}()
}

// walk advances one token node by node until it parks (coalesce, aggregate),
// terminates, or hands off to children.
func (e *Engine) walk(ctx context.Context, tok *token.Token, nodeID string) {
	for {
		if ctx.Err() != nil || e.fatalErr() != nil {
			return
		}
		node := e.pipeline.NodeByID(nodeID)
		if node == nil {
			e.fail(domain.Invariant("engine.walk", "edge leads to unknown node %q", nodeID))
			return
		}

		switch node.Kind {
		case domain.KindTransform:
			next, ok := e.stepTransform(ctx, &tok, node)
			if !ok {
				return
			}
			nodeID = next

		case domain.KindGate:
			next, ok := e.stepGate(ctx, &tok, node)
			if !ok {
				return
			}
			nodeID = next

		case domain.KindFork:
			e.stepFork(ctx, tok, node, node.Branches)
			return

		case domain.KindCoalesce:
			next, successor, ok := e.stepCoalesce(ctx, tok, node)
			if !ok {
				return
			}
			tok = successor
			nodeID = next

		case domain.KindAggregate:
			e.stepAggregate(ctx, tok, node)
			return

		case domain.KindSink:
			e.stepSink(ctx, tok, node)
			return

		default:
			e.fail(domain.Invariant("engine.walk", "node %q has unknown kind %q", node.ID, node.Kind))
			return
		}
	}
}

// stepTransform runs the node's transform plugin and validates the output against
// the (possibly extended) contract. Returns the next node id and whether the walk
// continues; tok is replaced in place with the updated token.
func (e *Engine) stepTransform(ctx context.Context, tok **token.Token, node *domain.Node) (string, bool) {
	cur := *tok

	plugin, ok := e.registry.Transform(node.Type)
	if !ok {
		e.fail(fmt.Errorf("%w: transform %q at node %q", domain.ErrUnknownPlugin, node.Type, node.ID))
		return "", false
	}

	var result runtime.Result
	err := e.governed(ctx, node, "transform", func(cctx context.Context) error {
		var perr error
		result, perr = plugin.Transform(cctx, cur.Row, node)
		return perr
	})
	if err != nil {
		e.pluginFailure(ctx, cur, node, err)
		return "", false
	}
	result = result.WithDefaults()

	if len(result.Expand) > 0 {
		e.stepExpand(ctx, cur, node, result)
		return "", false
	}

	data := result.Data
	if data == nil {
		data = cur.Row.ToMap()
	}
	contract := result.Contract
	if contract == nil {
		contract = cur.Row.Contract()
	}

	contract, violations, cerr := e.applyContract(node.ID, contract, data)
	if cerr != nil {
		e.quarantineErr(ctx, cur, node, cerr)
		return "", false
	}
	if len(violations) > 0 {
		e.quarantine(ctx, cur, node, violations)
		return "", false
	}

	next := e.tokens.WithUpdatedData(cur, schema.NewRow(data, contract))
	e.recordStep(ctx, cur.TokenID, node.ID, cur.Row.ToMap(), data)
	*tok = next

	target := e.pipeline.EdgeFrom(node.ID, "")
	if target == "" {
		// No forward edge: the path ends here.
		e.finish(ctx, next.TokenID, node.ID, audit.OutcomeCompleted, "")
		return "", false
	}
	return target, true
}

// stepExpand replaces the token with one child per expanded row.
func (e *Engine) stepExpand(ctx context.Context, tok *token.Token, node *domain.Node, result runtime.Result) {
	children, groupID, err := e.tokens.Expand(tok, result.Expand)
	if err != nil {
		e.fail(err)
		return
	}

	members := make([]string, 0, len(children)+1)
	members = append(members, tok.TokenID)
	for _, c := range children {
		members = append(members, c.TokenID)
	}
	if err := e.recorder.RecordGroup(ctx, audit.GroupRecord{
		Kind: audit.GroupExpand, GroupID: groupID, Members: members, At: e.now(),
	}); err != nil {
		e.fail(fmt.Errorf("recording expand group: %w", err))
		return
	}

	e.recordStep(ctx, tok.TokenID, node.ID, tok.Row.ToMap(), nil)
	e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeCompleted,
		fmt.Sprintf("expanded into %d rows", len(children)))

	target := e.pipeline.EdgeFrom(node.ID, "")
	if target == "" {
		for _, c := range children {
			e.finish(ctx, c.TokenID, node.ID, audit.OutcomeCompleted, "")
		}
		return
	}
	for _, c := range children {
		contract, violations, cerr := e.applyContract(node.ID, c.Row.Contract(), c.Row.ToMap())
		if cerr != nil {
			e.quarantineErr(ctx, c, node, cerr)
			continue
		}
		if len(violations) > 0 {
			e.quarantine(ctx, c, node, violations)
			continue
		}
		child := e.tokens.WithUpdatedData(c, schema.NewRow(c.Row.ToMap(), contract))
		e.spawn(ctx, child, target)
	}
}

// stepGate runs the gate plugin and records its routing decision, including plain
// continue. Returns the next node id and whether the walk continues.
func (e *Engine) stepGate(ctx context.Context, tok **token.Token, node *domain.Node) (string, bool) {
	cur := *tok

	plugin, ok := e.registry.Gate(node.Type)
	if !ok {
		e.fail(fmt.Errorf("%w: gate %q at node %q", domain.ErrUnknownPlugin, node.Type, node.ID))
		return "", false
	}

	var result runtime.Result
	err := e.governed(ctx, node, "gate", func(cctx context.Context) error {
		var perr error
		result, perr = plugin.Evaluate(cctx, cur.Row, node)
		return perr
	})
	if err != nil {
		e.pluginFailure(ctx, cur, node, err)
		return "", false
	}
	result = result.WithDefaults()

	// Gates may rewrite the row too; the rewritten row goes through the same
	// contract checks as a transform output.
	if result.Data != nil {
		contract := result.Contract
		if contract == nil {
			contract = cur.Row.Contract()
		}
		contract, violations, cerr := e.applyContract(node.ID, contract, result.Data)
		if cerr != nil {
			e.quarantineErr(ctx, cur, node, cerr)
			return "", false
		}
		if len(violations) > 0 {
			e.quarantine(ctx, cur, node, violations)
			return "", false
		}
		next := e.tokens.WithUpdatedData(cur, schema.NewRow(result.Data, contract))
		e.recordStep(ctx, cur.TokenID, node.ID, cur.Row.ToMap(), result.Data)
		cur = next
		*tok = next
	}

	switch result.Routing.Kind {
	case runtime.RouteContinue:
		target := e.pipeline.EdgeFrom(node.ID, "")
		e.recordRouting(ctx, cur.TokenID, node.ID, "continue", target)
		if target == "" {
			e.finish(ctx, cur.TokenID, node.ID, audit.OutcomeCompleted, "")
			return "", false
		}
		return target, true

	case runtime.RouteTo:
		target := e.pipeline.EdgeFrom(node.ID, result.Routing.Target)
		if target == "" {
			e.fail(domain.Invariant("engine.gate",
				"node %q routed to unknown edge label %q", node.ID, result.Routing.Target))
			return "", false
		}
		e.recordRouting(ctx, cur.TokenID, node.ID, "route", result.Routing.Target)
		return target, true

	case runtime.RouteFork:
		e.recordRouting(ctx, cur.TokenID, node.ID, "fork", "")
		e.stepFork(ctx, cur, node, result.Routing.Branches)
		return "", false

	case runtime.RouteDrop:
		e.recordRouting(ctx, cur.TokenID, node.ID, "drop", "")
		e.finish(ctx, cur.TokenID, node.ID, audit.OutcomeCompleted, "dropped")
		return "", false

	default:
		e.fail(domain.Invariant("engine.gate",
			"node %q returned unknown routing kind %q", node.ID, result.Routing.Kind))
		return "", false
	}
}

// stepFork splits the token into one child per branch and ends the parent's path.
func (e *Engine) stepFork(ctx context.Context, tok *token.Token, node *domain.Node, branches []string) {
	children, groupID, err := e.tokens.Fork(tok, branches)
	if err != nil {
		e.fail(err)
		return
	}

	members := make([]string, 0, len(children))
	for _, c := range children {
		members = append(members, c.TokenID)
	}
	if err := e.recorder.RecordGroup(ctx, audit.GroupRecord{
		Kind: audit.GroupFork, GroupID: groupID, Members: members, At: e.now(),
	}); err != nil {
		e.fail(fmt.Errorf("recording fork group: %w", err))
		return
	}

	e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeCompleted, "forked")

	for _, c := range children {
		target := e.pipeline.EdgeFrom(node.ID, c.BranchName)
		if target == "" {
			e.fail(domain.Invariant("engine.fork",
				"node %q has no edge for branch %q", node.ID, c.BranchName))
			return
		}
		e.spawn(ctx, c, target)
	}
}

// stepCoalesce parks the token in its join group; the arrival that completes the
// group performs the merge and continues as the successor. Returns (next node,
// successor, continue).
func (e *Engine) stepCoalesce(ctx context.Context, tok *token.Token, node *domain.Node) (string, *token.Token, bool) {
	if tok.ForkGroupID == "" {
		e.fail(domain.Invariant("engine.coalesce",
			"token %s reached coalesce node %q without a fork group", tok.TokenID, node.ID))
		return "", nil, false
	}

	arrival, err := e.joins.arrive(node.ID, tok.ForkGroupID, tok.BranchName, tok, node.Expect, e.now())
	if err != nil {
		if errors.Is(err, errJoinAbandoned) {
			e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeFailed, err.Error())
			return "", nil, false
		}
		e.fail(err)
		return "", nil, false
	}
	if arrival.First {
		e.metrics.JoinGroupOpened()
	}
	if !arrival.Merged {
		// Parked; this worker is released while the group waits for its siblings.
		e.recordRouting(ctx, tok.TokenID, node.ID, "coalesce_wait", tok.ForkGroupID)
		return "", nil, false
	}
	e.recordRouting(ctx, tok.TokenID, node.ID, "coalesce_merge", tok.ForkGroupID)
	e.metrics.JoinGroupClosed()

	// Branch-declaration order; on key overlap the later branch wins, which the
	// merged contract has already proven type-consistent.
	mergedData := make(map[string]any)
	for _, p := range arrival.Parents {
		for k, v := range p.Row.ToMap() {
			mergedData[k] = v
		}
	}

	successor, err := e.tokens.Coalesce(arrival.Parents, mergedData)
	if err != nil {
		if errors.Is(err, schema.ErrMergeConflict) {
			// Branches produced incompatible shapes: a data/design problem, not an
			// engine bug. Every parent is quarantined with the conflict detail.
			for _, p := range arrival.Parents {
				e.finish(ctx, p.TokenID, node.ID, audit.OutcomeQuarantined, err.Error())
				e.metrics.RecordQuarantine(node.ID)
				e.addQuarantineDetail(p.TokenID, node.ID, err.Error())
			}
			return "", nil, false
		}
		e.fail(err)
		return "", nil, false
	}

	members := make([]string, 0, len(arrival.Parents)+1)
	for _, p := range arrival.Parents {
		members = append(members, p.TokenID)
	}
	members = append(members, successor.TokenID)
	if err := e.recorder.RecordGroup(ctx, audit.GroupRecord{
		Kind: audit.GroupJoin, GroupID: successor.JoinGroupID, Members: members, At: e.now(),
	}); err != nil {
		e.fail(fmt.Errorf("recording join group: %w", err))
		return "", nil, false
	}

	for _, p := range arrival.Parents {
		e.finish(ctx, p.TokenID, node.ID, audit.OutcomeCompleted, "coalesced")
	}
	e.recordStep(ctx, successor.TokenID, node.ID, nil, mergedData)

	target := e.pipeline.EdgeFrom(node.ID, "")
	if target == "" {
		e.finish(ctx, successor.TokenID, node.ID, audit.OutcomeCompleted, "")
		return "", nil, false
	}
	return target, successor, true
}

// stepAggregate parks the token in the node's buffer and fires the count trigger
// when it fills. Arrival also sweeps the timeout trigger, so an expired window
// flushes immediately instead of waiting for the next progress tick.
func (e *Engine) stepAggregate(ctx context.Context, tok *token.Token, node *domain.Node) {
	if node.Aggregate == nil {
		e.fail(domain.Invariant("engine.aggregate", "node %q has no aggregate spec", node.ID))
		return
	}

	buf := e.aggs.buffer(node.ID)
	if expired := buf.drainIfExpired(e.now(), node.Aggregate.Timeout); expired != nil {
		e.flushBatch(ctx, aggBatch{nodeID: node.ID, tokens: expired, trigger: triggerTimeout})
	}

	e.recordRouting(ctx, tok.TokenID, node.ID, "buffer", "")
	batch := buf.add(tok, node.Aggregate.Count, e.now())
	e.metrics.UpdateBufferedRows(e.aggs.totalBuffered())

	if batch != nil {
		e.flushBatch(ctx, aggBatch{nodeID: node.ID, tokens: batch, trigger: triggerCount})
	}
}

// flushBatch drains one aggregation batch through the node's output mode and spawns
// the successor walks.
func (e *Engine) flushBatch(ctx context.Context, b aggBatch) {
	node := e.pipeline.NodeByID(b.nodeID)
	if node == nil || node.Aggregate == nil {
		e.fail(domain.Invariant("engine.aggregate", "flush for unknown aggregate node %q", b.nodeID))
		return
	}
	e.metrics.RecordFlush(node.ID, b.trigger)
	e.metrics.UpdateBufferedRows(e.aggs.totalBuffered())
	e.logger.Debug("aggregation flush",
		"node_id", node.ID, "trigger", string(b.trigger), "rows", len(b.tokens))

	target := e.pipeline.EdgeFrom(node.ID, "")

	mode := node.Aggregate.Output
	if mode == "" {
		mode = domain.AggregateSingle
	}

	if mode == domain.AggregatePassthrough {
		// The batch boundary itself is the point; tokens keep their identity and
		// continue on the forward edge.
		groupID := uuid.NewString()
		members := make([]string, 0, len(b.tokens))
		for _, t := range b.tokens {
			members = append(members, t.TokenID)
		}
		if err := e.recorder.RecordGroup(ctx, audit.GroupRecord{
			Kind: audit.GroupAggregate, GroupID: groupID, Members: members, At: e.now(),
		}); err != nil {
			e.fail(fmt.Errorf("recording aggregate group: %w", err))
			return
		}
		for _, t := range b.tokens {
			if target == "" {
				e.finish(ctx, t.TokenID, node.ID, audit.OutcomeCompleted, "")
				continue
			}
			e.spawn(ctx, t, target)
		}
		return
	}

	plugin, ok := e.registry.Aggregation(node.Type)
	if !ok {
		e.fail(fmt.Errorf("%w: aggregation %q at node %q", domain.ErrUnknownPlugin, node.Type, node.ID))
		return
	}

	rows := make([]schema.Row, 0, len(b.tokens))
	for _, t := range b.tokens {
		rows = append(rows, t.Row)
	}

	var result runtime.FlushResult
	err := e.governed(ctx, node, "aggregate", func(cctx context.Context) error {
		var perr error
		result, perr = plugin.Flush(cctx, rows, node)
		return perr
	})
	if err != nil {
		for _, t := range b.tokens {
			e.finish(ctx, t.TokenID, node.ID, audit.OutcomeFailed, err.Error())
		}
		if e.cfg.HaltOnPluginFailure {
			e.fail(fmt.Errorf("aggregation plugin failed at node %q: %w", node.ID, err))
		}
		return
	}

	outRows := result.Rows
	if mode == domain.AggregateSingle && len(outRows) > 1 {
		e.logger.Warn("single output mode dropped extra batch rows",
			"node_id", node.ID, "returned", len(outRows), "kept", 1)
		outRows = outRows[:1]
	}

	contract := result.Contract
	if contract == nil {
		// Fold the batch contracts; the merged contract is the joint guarantee
		// over everything the batch carried.
		contract = b.tokens[0].Row.Contract()
		for _, t := range b.tokens[1:] {
			next, merr := contract.Merge(t.Row.Contract())
			if merr != nil {
				for _, bt := range b.tokens {
					e.finish(ctx, bt.TokenID, node.ID, audit.OutcomeQuarantined, merr.Error())
					e.metrics.RecordQuarantine(node.ID)
					e.addQuarantineDetail(bt.TokenID, node.ID, merr.Error())
				}
				return
			}
			contract = next
		}
	}

	groupID := uuid.NewString()
	members := make([]string, 0, len(b.tokens)+len(outRows))
	successors := make([]*token.Token, 0, len(outRows))
	for _, t := range b.tokens {
		members = append(members, t.TokenID)
	}
	for _, data := range outRows {
		outContract, violations, cerr := e.applyContract(node.ID, contract, data)
		if cerr != nil {
			tid := uuid.NewString()
			e.finish(ctx, tid, node.ID, audit.OutcomeQuarantined, cerr.Error())
			e.metrics.RecordQuarantine(node.ID)
			e.addQuarantineDetail(tid, node.ID, cerr.Error())
			continue
		}
		if len(violations) > 0 {
			tid := uuid.NewString()
			e.finish(ctx, tid, node.ID, audit.OutcomeQuarantined, schema.JoinViolations(violations))
			e.metrics.RecordQuarantine(node.ID)
			e.addQuarantineDetail(tid, node.ID, schema.JoinViolations(violations))
			continue
		}
		succ, terr := e.tokens.CreateInitialToken(data, outContract)
		if terr != nil {
			e.fail(terr)
			return
		}
		successors = append(successors, succ)
		members = append(members, succ.TokenID)
	}

	if err := e.recorder.RecordGroup(ctx, audit.GroupRecord{
		Kind: audit.GroupAggregate, GroupID: groupID, Members: members, At: e.now(),
	}); err != nil {
		e.fail(fmt.Errorf("recording aggregate group: %w", err))
		return
	}

	for _, t := range b.tokens {
		e.finish(ctx, t.TokenID, node.ID, audit.OutcomeCompleted, "aggregated")
	}
	for _, succ := range successors {
		e.recordStep(ctx, succ.TokenID, node.ID, nil, succ.Row.ToMap())
		if target == "" {
			e.finish(ctx, succ.TokenID, node.ID, audit.OutcomeCompleted, "")
			continue
		}
		e.spawn(ctx, succ, target)
	}
}

// stepSink exports the row and completes the token. Sinks see flat data only.
// An unresolvable sink type aborts the run: completing tokens that were exported
// nowhere would turn a misconfigured sink into silent data loss.
func (e *Engine) stepSink(ctx context.Context, tok *token.Token, node *domain.Node) {
	plugin, ok := e.registry.Transform(node.Type)
	if !ok {
		e.fail(fmt.Errorf("%w: sink %q at node %q", domain.ErrUnknownPlugin, node.Type, node.ID))
		return
	}
	err := e.governed(ctx, node, "sink", func(cctx context.Context) error {
		_, perr := plugin.Transform(cctx, tok.Row, node)
		return perr
	})
	if err != nil {
		e.pluginFailure(ctx, tok, node, err)
		return
	}
	e.recordStep(ctx, tok.TokenID, node.ID, tok.Row.ToMap(), nil)
	e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeCompleted, "")
}

// governed runs one plugin invocation under the node's governance settings:
// per-invocation timeout, transient-error retries with jittered backoff, and the
// global rate limiter.
func (e *Engine) governed(ctx context.Context, node *domain.Node, kind string, fn func(context.Context) error) (err error) {
	timeout := node.Governance.Timeout
	if timeout <= 0 {
		timeout = e.cfg.PluginTimeout
	}
	retryCfg := governance.DefaultRetryConfig()
	retryCfg.MaxRetries = node.Governance.MaxRetries
	policy := governance.NewRetryPolicy(retryCfg)

	ctx, span := e.tracer.Start(ctx, "pipeline.node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", kind),
			attribute.String("node.type", node.Type),
		))
	defer span.End()

	retries := 0
	start := time.Now()
	defer func() {
		outcome := telemetry.OutcomeOK
		switch {
		case errors.Is(err, governance.ErrPluginTimeout):
			outcome = telemetry.OutcomeTimeout
		case err != nil:
			outcome = telemetry.OutcomeError
		}
		telemetry.RecordNodeExecution(ctx, telemetry.NodeMetrics{
			PipelineID:      e.pipeline.ID,
			PipelineVersion: e.pipeline.Version,
			NodeID:          node.ID,
			NodeKind:        kind,
			NodeType:        node.Type,
			Outcome:         outcome,
			Duration:        time.Since(start),
			Retries:         retries,
		})
	}()

	for attempt := 0; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := fn(cctx)
		elapsed := time.Since(start)
		deadline := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()
		e.metrics.RecordNodeDuration(node.ID, kind, elapsed)

		if deadline && err != nil {
			// Timeouts are retryable: slow dependencies recover.
			err = governance.Transient(fmt.Errorf("%w after %s: %v", governance.ErrPluginTimeout, timeout, err))
		}
		if err == nil {
			return nil
		}
		if !policy.ShouldRetry(attempt, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if attempt > 0 {
				return fmt.Errorf("%w: %w", governance.ErrMaxRetriesExceeded, err)
			}
			return err
		}

		retries++
		e.metrics.RecordPluginRetry(node.ID)
		backoff := policy.CalculateBackoff(attempt)
		e.logger.Warn("retrying plugin",
			"node_id", node.ID, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pluginFailure records a failed outcome for the token and abandons any join group
// the token was expected at, so its siblings do not wait forever.
func (e *Engine) pluginFailure(ctx context.Context, tok *token.Token, node *domain.Node, err error) {
	e.logger.Error("plugin failed",
		"node_id", node.ID, "token_id", tok.TokenID, "error", err)
	e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeFailed, err.Error())
	e.abandonSiblings(ctx, tok, fmt.Sprintf("branch %q failed at node %s", tok.BranchName, node.ID))

	if e.cfg.HaltOnPluginFailure {
		e.fail(fmt.Errorf("plugin failed at node %q: %w", node.ID, err))
	}
}

// quarantine records a quarantined outcome with full violation detail and abandons
// any join group the token was expected at.
func (e *Engine) quarantine(ctx context.Context, tok *token.Token, node *domain.Node, violations []schema.Violation) {
	detail := schema.JoinViolations(violations)
	e.logger.Warn("row quarantined",
		"node_id", node.ID, "token_id", tok.TokenID, "violations", detail)
	e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeQuarantined, detail)
	e.metrics.RecordQuarantine(node.ID)
	e.addQuarantineDetail(tok.TokenID, node.ID, detail)
	e.abandonSiblings(ctx, tok, fmt.Sprintf("branch %q quarantined at node %s", tok.BranchName, node.ID))
}

// abandonSiblings marks the token's join group unfillable after a terminal outcome
// on one branch, failing any siblings already parked at the coalesce node.
func (e *Engine) abandonSiblings(ctx context.Context, tok *token.Token, reason string) {
	if tok.ForkGroupID == "" {
		return
	}
	parked := e.joins.abandon(tok.ForkGroupID, reason)
	if parked == nil {
		return
	}
	e.metrics.RecordJoinAbandoned("sibling_terminal")
	if len(parked) > 0 {
		// Only groups a sibling already reached were counted as open.
		e.metrics.JoinGroupClosed()
	}
	for _, sib := range parked {
		e.finish(ctx, sib.TokenID, "", audit.OutcomeFailed, "join abandoned: "+reason)
	}
}

func (e *Engine) recordStep(ctx context.Context, tokenID, nodeID string, input, output map[string]any) {
	rec := audit.StepRecord{
		TokenID: tokenID,
		NodeID:  nodeID,
		Input:   input,
		Output:  output,
		At:      e.now(),
	}
	if input != nil {
		rec.InputHash = audit.HashRow(input)
	}
	if output != nil {
		rec.OutputHash = audit.HashRow(output)
	}
	if err := e.recorder.RecordStep(ctx, rec); err != nil {
		e.fail(fmt.Errorf("recording step: %w", err))
	}
}

func (e *Engine) recordRouting(ctx context.Context, tokenID, nodeID, action, target string) {
	err := e.recorder.RecordRouting(ctx, audit.RoutingRecord{
		TokenID: tokenID, NodeID: nodeID, Action: action, Target: target, At: e.now(),
	})
	if err != nil {
		e.fail(fmt.Errorf("recording routing: %w", err))
	}
}

// finish records the token's terminal outcome. A duplicate outcome means the engine
// tried to terminate the same path twice and is escalated to an invariant violation.
func (e *Engine) finish(ctx context.Context, tokenID, nodeID string, outcome audit.Outcome, detail string) {
	err := e.recorder.RecordOutcome(ctx, audit.OutcomeRecord{
		TokenID: tokenID, Outcome: outcome, NodeID: nodeID, Detail: detail, At: e.now(),
	})
	if err != nil {
		if errors.Is(err, audit.ErrDuplicateOutcome) {
			e.fail(domain.Invariant("engine.outcome",
				"second terminal outcome %q for token %s at node %q", outcome, tokenID, nodeID))
			return
		}
		e.fail(fmt.Errorf("recording outcome: %w", err))
		return
	}
	e.metrics.RecordToken(nodeID, string(outcome))

	e.mu.Lock()
	e.summary.Add(nodeID, string(outcome))
	e.mu.Unlock()
}

func (e *Engine) addQuarantineDetail(tokenID, nodeID, reason string) {
	e.mu.Lock()
	e.summary.Quarantines = append(e.summary.Quarantines, domain.QuarantineDetail{
		TokenID: tokenID, NodeID: nodeID, Reason: reason,
	})
	e.mu.Unlock()
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	cancel := e.cancel
	e.mu.Unlock()
	e.logger.Error("run aborted", "error", err)
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) fatalErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// admitRow runs infer-and-lock over one source row against the source stream
// contract, in emission order: the first row to carry a field decides its type for
// the whole run. Inference persists even for rows that end up quarantined.
func (e *Engine) admitRow(row source.Row) (*schema.Contract, []schema.Violation, error) {
	if row.Contract == nil {
		// CreateInitialToken turns this into the invariant error with the
		// diagnostic the operator needs; admit passes it through untouched.
		return nil, nil, nil
	}
	incoming := row.Contract
	if e.srcContract != nil && e.srcContract != incoming {
		merged, err := e.srcContract.Merge(incoming)
		if err != nil {
			return nil, nil, fmt.Errorf("source row contract conflicts with the source stream contract: %w", err)
		}
		incoming = merged
	}
	extended, violations := extendAndValidate(incoming, row.Data)
	e.srcContract = extended
	return extended, violations, nil
}

// applyContract folds the incoming contract into the node's stream contract and
// runs infer-and-lock over the row. The stream contract is what makes first
// observation stick across rows: once one row locks a field's type at a node,
// every later row at that node is checked against it. A fold conflict (the
// incoming contract disagrees with the stream contract on a field's type) is a
// contract violation, returned as an error for the caller to quarantine.
func (e *Engine) applyContract(nodeID string, incoming *schema.Contract, data map[string]any) (*schema.Contract, []schema.Violation, error) {
	e.contractMu.Lock()
	defer e.contractMu.Unlock()

	cur, ok := e.nodeContracts[nodeID]
	if !ok || cur == incoming {
		cur = incoming
	} else {
		merged, err := cur.Merge(incoming)
		if err != nil {
			return nil, nil, fmt.Errorf("row contract conflicts with node %q stream contract: %w", nodeID, err)
		}
		cur = merged
	}

	extended, violations := extendAndValidate(cur, data)
	// Inference of the non-conflicting fields persists even when the row itself
	// is quarantined.
	e.nodeContracts[nodeID] = extended
	return extended, violations, nil
}

// quarantineErr quarantines a token for a contract-level failure that arrived as an
// error rather than a violation list (stream contract fold conflicts).
func (e *Engine) quarantineErr(ctx context.Context, tok *token.Token, node *domain.Node, err error) {
	e.logger.Warn("row quarantined",
		"node_id", node.ID, "token_id", tok.TokenID, "error", err)
	e.finish(ctx, tok.TokenID, node.ID, audit.OutcomeQuarantined, err.Error())
	e.metrics.RecordQuarantine(node.ID)
	e.addQuarantineDetail(tok.TokenID, node.ID, err.Error())
	e.abandonSiblings(ctx, tok, fmt.Sprintf("branch %q quarantined at node %s", tok.BranchName, node.ID))
}

// extendAndValidate runs the infer-and-lock step for one output row: novel fields
// extend the contract (where its mode allows), then the data is validated against
// the extended contract. Extension failures surface as violations, not errors,
// because they describe the data, not the engine.
func extendAndValidate(c *schema.Contract, data map[string]any) (*schema.Contract, []schema.Violation) {
	var violations []schema.Violation
	reported := make(map[string]bool)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		next, err := c.WithField(key, key, data[key])
		switch {
		case err == nil:
			c = next
		case errors.Is(err, schema.ErrTypeConflict):
			v := schema.Violation{
				Kind:   schema.ViolationTypeMismatch,
				Field:  key,
				Actual: schema.InferType(data[key]),
				Value:  data[key],
			}
			if existing, ok := c.Field(key); ok {
				v.Expected = existing.ValueType
			}
			violations = append(violations, v)
			reported[key] = true
		default:
			violations = append(violations, schema.Violation{
				Kind:  schema.ViolationUndeclaredField,
				Field: key,
				Value: data[key],
			})
			reported[key] = true
		}
	}

	// Validate re-flags the fields the extension pass rejected; report each
	// offending field once.
	for _, v := range c.Validate(data) {
		if reported[v.Field] {
			continue
		}
		violations = append(violations, v)
	}
	return c, violations
}
