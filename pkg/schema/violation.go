package schema

import "fmt"

// ViolationKind classifies a recoverable contract violation.
type ViolationKind string

const (
	// ViolationMissingRequired flags a required field absent from the row data.
	ViolationMissingRequired ViolationKind = "missing_required"
	// ViolationTypeMismatch flags a runtime value disagreeing with a locked field type.
	ViolationTypeMismatch ViolationKind = "type_mismatch"
	// ViolationUndeclaredField flags an extra field on a FIXED contract.
	ViolationUndeclaredField ViolationKind = "undeclared_field"
)

// Violation is a recoverable per-row contract failure. Violations route the offending
// row to quarantine; they are never process-fatal. Fatal engine conditions use
// domain.InvariantError instead, so callers cannot accidentally catch-and-ignore one.
type Violation struct {
	Kind     ViolationKind
	Field    string
	Expected FieldType
	Actual   FieldType
	Value    any
}

func (v Violation) String() string {
	switch v.Kind {
	case ViolationMissingRequired:
		return fmt.Sprintf("field %q: required but missing", v.Field)
	case ViolationTypeMismatch:
		return fmt.Sprintf("field %q: locked as %s, got %s (value %v)", v.Field, v.Expected, v.Actual, v.Value)
	case ViolationUndeclaredField:
		return fmt.Sprintf("field %q: not declared on fixed contract", v.Field)
	default:
		return fmt.Sprintf("field %q: contract violation", v.Field)
	}
}

// JoinViolations renders a violation list for diagnostics and audit records.
func JoinViolations(violations []Violation) string {
	out := ""
	for i, v := range violations {
		if i > 0 {
			out += "; "
		}
		out += v.String()
	}
	return out
}
