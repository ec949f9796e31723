package schema

import "encoding/json"

// FieldType is the small primitive set a contract field can lock to.
type FieldType string

const (
	TypeInteger FieldType = "integer"
	TypeFloat   FieldType = "float"
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
	// TypeAny is the null/any type: it matches every runtime value.
	TypeAny FieldType = "any"
)

// InferType maps a runtime value to its contract type. First observation wins
// literally: a float64 that happens to be integral still infers TypeFloat.
func InferType(value any) FieldType {
	switch v := value.(type) {
	case nil:
		return TypeAny
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case string:
		return TypeString
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return TypeInteger
		}
		return TypeFloat
	default:
		// Composite or plugin-defined values never participate in type locking.
		return TypeAny
	}
}

// TypeMatches reports whether a runtime value satisfies a locked field type.
// A nil value satisfies every type: absence of a value is a required-field
// concern, not a type mismatch.
func TypeMatches(t FieldType, value any) bool {
	if t == TypeAny || value == nil {
		return true
	}
	return InferType(value) == t
}
