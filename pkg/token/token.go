// Package token tracks row identity and lineage as rows fork into parallel branches,
// rejoin, and expand while walking a pipeline DAG.
package token

import (
	"github.com/rowline/rowline/pkg/schema"
)

// Token is the lineage record for one row-instance traveling one path through the DAG.
//
// RowID is the stable identity of the originating source row, shared by every fork and
// copy of that row; TokenID identifies this specific path-instance. Row is replaced as
// the token advances, but the identity and lineage fields are immutable after creation:
// updates go through Manager.WithUpdatedData, which preserves them all.
type Token struct {
	RowID   string
	TokenID string
	Row     schema.Row

	BranchName    string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
}

// deepCopyValue copies maps and slices recursively so sibling branches can diverge
// independently; scalars are shared.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	default:
		return v
	}
}

func deepCopyData(data map[string]any) map[string]any {
	return deepCopyValue(data).(map[string]any)
}
