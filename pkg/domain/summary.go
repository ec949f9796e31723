package domain

// NodeStats counts token outcomes observed at one node.
type NodeStats struct {
	Completed   int
	Failed      int
	Quarantined int
}

// RunSummary reports per-node outcome counts for a finished pipeline run.
type RunSummary struct {
	PipelineID string
	Nodes      map[string]NodeStats
	// Quarantines carries enough detail (field, expected vs actual type, offending
	// value) to diagnose contract violations without re-running.
	Quarantines []QuarantineDetail
}

// QuarantineDetail describes why one row was routed to quarantine.
type QuarantineDetail struct {
	TokenID string
	NodeID  string
	Reason  string
}

// NewRunSummary returns an empty summary for the given pipeline.
func NewRunSummary(pipelineID string) *RunSummary {
	return &RunSummary{PipelineID: pipelineID, Nodes: make(map[string]NodeStats)}
}

// Add records one outcome at the given node.
func (s *RunSummary) Add(nodeID string, outcome string) {
	st := s.Nodes[nodeID]
	switch outcome {
	case "completed":
		st.Completed++
	case "failed":
		st.Failed++
	case "quarantined":
		st.Quarantined++
	}
	s.Nodes[nodeID] = st
}
