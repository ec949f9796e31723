package schema

import "fmt"

// Row is the immutable pairing of row data with the contract that governs it.
// Field access resolves keys by either normalized or original name through the
// contract's indices. Construction is the only way to associate data with a
// contract; there is no in-place field assignment.
type Row struct {
	data     map[string]any
	contract *Contract
}

// NewRow wraps row data with its contract. The data map is copied so later mutation
// of the caller's map cannot leak into the row.
func NewRow(data map[string]any, contract *Contract) Row {
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return Row{data: copied, contract: contract}
}

// Contract returns the contract governing this row. Nil only for the zero Row.
func (r Row) Contract() *Contract { return r.contract }

// resolve maps key to the underlying data key, consulting the contract's dual-name
// indices first. Keys unknown to the contract fall through to raw data as-is.
func (r Row) resolve(key string) (string, bool) {
	if r.contract != nil {
		if norm, ok := r.contract.Resolve(key); ok {
			return norm, true
		}
	}
	_, inData := r.data[key]
	return key, inData
}

// Get returns the value for key, resolved by normalized or original name. A key that
// resolves to nothing in the contract and is absent from raw data is an explicit
// error, never a silent nil. A contract-covered field missing from the data returns
// nil: absence of an optional field is not a lookup failure.
func (r Row) Get(key string) (any, error) {
	resolved, known := r.resolve(key)
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, key)
	}
	return r.data[resolved], nil
}

// Contains reports whether key resolves through the contract or exists in raw data.
func (r Row) Contains(key string) bool {
	_, known := r.resolve(key)
	return known
}

// Len returns the number of fields present in the row data.
func (r Row) Len() int { return len(r.data) }

// ToMap returns a full snapshot of the raw data, including fields not covered by the
// contract. Contract coverage and data completeness are independent; audit integrity
// requires exports never silently drop uncovered fields.
func (r Row) ToMap() map[string]any {
	out := make(map[string]any, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}
