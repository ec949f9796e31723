package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rowline/rowline/pkg/schema"
)

// JSONLSource reads one JSON object per line. Lines that fail to parse are
// emitted as pre-quarantined rows instead of aborting the run; blank lines are
// skipped. Numbers decode as json.Number so integer fields stay integers.
type JSONLSource struct {
	scanner  *bufio.Scanner
	closer   io.Closer
	contract *schema.Contract
	line     int
}

// maxLineBytes bounds one input line. Rows larger than this fail the scan.
const maxLineBytes = 16 << 20

// OpenJSONL opens a JSONL file as a source. Close releases the file handle;
// Next at io.EOF closes it as well.
func OpenJSONL(path string) (*JSONLSource, error) {
	//nolint:gosec // Input file path is controlled by the operator
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", path, err)
	}
	s := NewJSONLSource(f)
	s.closer = f
	return s, nil
}

// NewJSONLSource reads JSONL rows from r. All rows share one dynamic contract;
// field types lock as the engine observes them.
func NewJSONLSource(r io.Reader) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &JSONLSource{
		scanner:  scanner,
		contract: schema.MustContract(schema.ModeDynamic),
	}
}

// Next returns the next row, a quarantined row for an unparseable line, or io.EOF.
func (s *JSONLSource) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	for s.scanner.Scan() {
		s.line++
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var data map[string]any
		if err := dec.Decode(&data); err != nil {
			return Row{
				Quarantined: true,
				Reason:      fmt.Sprintf("line %d: %v", s.line, err),
			}, nil
		}
		return Row{Data: data, Contract: s.contract}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Row{}, fmt.Errorf("reading input at line %d: %w", s.line, err)
	}
	_ = s.Close()
	return Row{}, io.EOF
}

// Close releases the underlying file, if any. Safe to call more than once.
func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}
