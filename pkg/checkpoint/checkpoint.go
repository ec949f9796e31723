// Package checkpoint persists the engine's resumable state: the rows parked in
// aggregation buffers, with their token lineage and schema contracts, so a crashed
// run can resume without reprocessing what was already buffered.
//
// Contracts are stored once per structural version hash and shared by every
// buffered row that carries them; a buffer of ten thousand rows under one contract
// costs one contract definition on disk.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/schema"
	"github.com/rowline/rowline/pkg/token"
)

// Version is the current checkpoint format version. Restore refuses anything else
// before touching buffer state.
const Version = 3

// ErrCorrupt is returned when a checkpoint's internal references do not hold
// together (a row naming a contract hash the file does not define, or a stored
// contract whose recomputed hash disagrees with its key).
var ErrCorrupt = errors.New("corrupt checkpoint")

// BufferedRow is one parked row with its full token lineage.
type BufferedRow struct {
	RowID         string         `json:"row_id"`
	TokenID       string         `json:"token_id"`
	BranchName    string         `json:"branch_name,omitempty"`
	ForkGroupID   string         `json:"fork_group_id,omitempty"`
	JoinGroupID   string         `json:"join_group_id,omitempty"`
	ExpandGroupID string         `json:"expand_group_id,omitempty"`
	ContractHash  string         `json:"contract_hash"`
	Data          map[string]any `json:"data"`
}

// State is the on-disk checkpoint document.
type State struct {
	Version    int                           `json:"version"`
	PipelineID string                        `json:"pipeline_id"`
	CreatedAt  time.Time                     `json:"created_at"`
	Contracts  map[string]schema.ContractDTO `json:"contracts"`
	Buffers    map[string][]BufferedRow      `json:"buffers"`
}

// Capture builds a checkpoint from the engine's buffered tokens.
func Capture(pipelineID string, buffers map[string][]*token.Token, now time.Time) (*State, error) {
	state := &State{
		Version:    Version,
		PipelineID: pipelineID,
		CreatedAt:  now,
		Contracts:  make(map[string]schema.ContractDTO),
		Buffers:    make(map[string][]BufferedRow, len(buffers)),
	}

	for nodeID, tokens := range buffers {
		rows := make([]BufferedRow, 0, len(tokens))
		for _, tok := range tokens {
			contract := tok.Row.Contract()
			if contract == nil {
				return nil, domain.Invariant("checkpoint.capture",
					"buffered token %s at node %q has no contract", tok.TokenID, nodeID)
			}
			hash := contract.VersionHash()
			if _, ok := state.Contracts[hash]; !ok {
				state.Contracts[hash] = contract.ToDTO()
			}
			rows = append(rows, BufferedRow{
				RowID:         tok.RowID,
				TokenID:       tok.TokenID,
				BranchName:    tok.BranchName,
				ForkGroupID:   tok.ForkGroupID,
				JoinGroupID:   tok.JoinGroupID,
				ExpandGroupID: tok.ExpandGroupID,
				ContractHash:  hash,
				Data:          tok.Row.ToMap(),
			})
		}
		state.Buffers[nodeID] = rows
	}
	return state, nil
}

// Tokens rebuilds the buffered tokens per node. Every contract is re-verified
// against the hash it was stored under before any row references it.
func (s *State) Tokens() (map[string][]*token.Token, error) {
	contracts := make(map[string]*schema.Contract, len(s.Contracts))
	for hash, dto := range s.Contracts {
		contract, err := schema.FromDTO(dto)
		if err != nil {
			return nil, fmt.Errorf("%w: contract %s: %v", ErrCorrupt, hash, err)
		}
		if got := contract.VersionHash(); got != hash {
			return nil, fmt.Errorf("%w: contract stored under %s rehashes to %s", ErrCorrupt, hash, got)
		}
		contracts[hash] = contract
	}

	out := make(map[string][]*token.Token, len(s.Buffers))
	for nodeID, rows := range s.Buffers {
		tokens := make([]*token.Token, 0, len(rows))
		for _, row := range rows {
			contract, ok := contracts[row.ContractHash]
			if !ok {
				return nil, fmt.Errorf("%w: row %s references undefined contract %s",
					ErrCorrupt, row.TokenID, row.ContractHash)
			}
			tokens = append(tokens, &token.Token{
				RowID:         row.RowID,
				TokenID:       row.TokenID,
				Row:           schema.NewRow(row.Data, contract),
				BranchName:    row.BranchName,
				ForkGroupID:   row.ForkGroupID,
				JoinGroupID:   row.JoinGroupID,
				ExpandGroupID: row.ExpandGroupID,
			})
		}
		out[nodeID] = tokens
	}
	return out, nil
}

// Save writes the checkpoint atomically: a temp file in the target directory is
// renamed over the destination, so a crash mid-write never leaves a torn file.
func Save(path string, state *State) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publishing checkpoint: %w", err)
	}
	return nil
}

// versionProbe decodes only the version field, so the compatibility gate runs
// before any buffer state is parsed.
type versionProbe struct {
	Version int `json:"version"`
}

// Load reads a checkpoint. A version mismatch is an invariant violation raised
// before any buffer content is decoded: resuming from an incompatible format must
// never half-restore state.
func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if probe.Version != Version {
		return nil, domain.Invariant("checkpoint.load",
			"checkpoint at %s has version %d, this engine requires version %d",
			path, probe.Version, Version)
	}

	// UseNumber keeps integer row values as json.Number instead of float64, so a
	// field locked as integer before the crash is still an integer after restore.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var state State
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &state, nil
}
