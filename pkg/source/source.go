// Package source defines what the engine consumes from source plugins: rows with a
// resolved schema contract (or an explicit quarantine marker). Sources own field-name
// normalization and initial contract construction; the engine never sees raw headers.
package source

import (
	"context"
	"io"

	"github.com/rowline/rowline/pkg/schema"
)

// Row is one unit handed from a source plugin to the engine.
type Row struct {
	Data     map[string]any
	Contract *schema.Contract

	// Quarantined marks a row the source already rejected (e.g. unparseable input).
	// The engine records it without minting a pipeline token path for it.
	Quarantined bool
	Reason      string
}

// Source emits validated rows. Next returns io.EOF once the source is exhausted,
// which is what fires the engine's end-of-source aggregation trigger.
type Source interface {
	Next(ctx context.Context) (Row, error)
}

// SliceSource serves a fixed set of rows, mainly for tests and replays.
type SliceSource struct {
	rows []Row
	next int
}

// NewSliceSource builds a source over the given rows.
func NewSliceSource(rows ...Row) *SliceSource {
	return &SliceSource{rows: rows}
}

// FromMaps builds a SliceSource where every row shares one contract.
func FromMaps(contract *schema.Contract, rows ...map[string]any) *SliceSource {
	out := make([]Row, 0, len(rows))
	for _, data := range rows {
		out = append(out, Row{Data: data, Contract: contract})
	}
	return NewSliceSource(out...)
}

// Next returns the next row or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if s.next >= len(s.rows) {
		return Row{}, io.EOF
	}
	row := s.rows[s.next]
	s.next++
	return row, nil
}
