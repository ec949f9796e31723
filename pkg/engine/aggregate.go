package engine

import (
	"sync"
	"time"

	"github.com/rowline/rowline/pkg/token"
)

// bufferPhase is the lifecycle of one aggregation buffer. A buffer moves
// Empty -> Buffering on first arrival, Buffering -> Flushing while a drain is in
// flight, and back to Empty once the flush batch has been handed to the caller.
type bufferPhase int

const (
	phaseEmpty bufferPhase = iota
	phaseBuffering
	phaseFlushing
)

// flushTrigger names what caused a buffer to drain. Recorded on the audit trail
// and on the flush metrics.
type flushTrigger string

const (
	triggerCount       flushTrigger = "count"
	triggerTimeout     flushTrigger = "timeout"
	triggerEndOfSource flushTrigger = "end_of_source"
)

// aggBatch is one drained buffer: the tokens consumed by a flush, in arrival
// order, plus the trigger that fired.
type aggBatch struct {
	nodeID  string
	tokens  []*token.Token
	trigger flushTrigger
}

// bufferState holds the rows parked at one aggregate node. All transitions happen
// under the node lock so a drain is atomic: arrivals racing a flush either land in
// the batch or start the next window, never both.
type bufferState struct {
	mu      sync.Mutex
	phase   bufferPhase
	tokens  []*token.Token
	firstAt time.Time
}

// add parks a token and reports whether the count trigger fired. When it does the
// drained batch is returned and the buffer resets to Empty.
func (b *bufferState) add(tok *token.Token, count int, now time.Time) []*token.Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == phaseEmpty {
		b.phase = phaseBuffering
		b.firstAt = now
	}
	b.tokens = append(b.tokens, tok)

	if count > 0 && len(b.tokens) >= count {
		return b.drainLocked()
	}
	return nil
}

// drainIfExpired drains the buffer when its oldest row has been waiting at least
// timeout. Called both on arrival and from the progress tick so a quiet source
// still flushes.
func (b *bufferState) drainIfExpired(now time.Time, timeout time.Duration) []*token.Token {
	if timeout <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != phaseBuffering || now.Sub(b.firstAt) < timeout {
		return nil
	}
	return b.drainLocked()
}

// drain unconditionally empties the buffer. Used by the end-of-source trigger.
func (b *bufferState) drain() []*token.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != phaseBuffering {
		return nil
	}
	return b.drainLocked()
}

func (b *bufferState) drainLocked() []*token.Token {
	b.phase = phaseFlushing
	batch := b.tokens
	b.tokens = nil
	b.firstAt = time.Time{}
	b.phase = phaseEmpty
	return batch
}

// restore preloads tokens recovered from a checkpoint, as if they had just arrived.
func (b *bufferState) restore(tokens []*token.Token, now time.Time) {
	if len(tokens) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == phaseEmpty {
		b.phase = phaseBuffering
		b.firstAt = now
	}
	b.tokens = append(b.tokens, tokens...)
}

// snapshot copies the buffered tokens without draining, for checkpointing.
func (b *bufferState) snapshot() []*token.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*token.Token, len(b.tokens))
	copy(out, b.tokens)
	return out
}

func (b *bufferState) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

// aggTable holds one bufferState per aggregate node.
type aggTable struct {
	mu      sync.Mutex
	buffers map[string]*bufferState
}

func newAggTable() *aggTable {
	return &aggTable{buffers: make(map[string]*bufferState)}
}

func (t *aggTable) buffer(nodeID string) *bufferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[nodeID]
	if !ok {
		b = &bufferState{}
		t.buffers[nodeID] = b
	}
	return b
}

// sweepExpired fires the timeout trigger across all buffers.
func (t *aggTable) sweepExpired(now time.Time, timeouts map[string]time.Duration) []aggBatch {
	t.mu.Lock()
	ids := make([]string, 0, len(t.buffers))
	for id := range t.buffers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var batches []aggBatch
	for _, id := range ids {
		timeout := timeouts[id]
		if batch := t.buffer(id).drainIfExpired(now, timeout); len(batch) > 0 {
			batches = append(batches, aggBatch{nodeID: id, tokens: batch, trigger: triggerTimeout})
		}
	}
	return batches
}

// drainAll fires the end-of-source trigger: every non-empty buffer flushes.
func (t *aggTable) drainAll() []aggBatch {
	t.mu.Lock()
	ids := make([]string, 0, len(t.buffers))
	for id := range t.buffers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var batches []aggBatch
	for _, id := range ids {
		if batch := t.buffer(id).drain(); len(batch) > 0 {
			batches = append(batches, aggBatch{nodeID: id, tokens: batch, trigger: triggerEndOfSource})
		}
	}
	return batches
}

// snapshotAll returns the buffered tokens per node without draining.
func (t *aggTable) snapshotAll() map[string][]*token.Token {
	t.mu.Lock()
	ids := make([]string, 0, len(t.buffers))
	for id := range t.buffers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	out := make(map[string][]*token.Token, len(ids))
	for _, id := range ids {
		if snap := t.buffer(id).snapshot(); len(snap) > 0 {
			out[id] = snap
		}
	}
	return out
}

func (t *aggTable) totalBuffered() int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.buffers))
	for id := range t.buffers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	total := 0
	for _, id := range ids {
		total += t.buffer(id).size()
	}
	return total
}
