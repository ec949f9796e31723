package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// Mode controls how a contract treats fields beyond those declared upfront.
type Mode string

const (
	// ModeFixed permits no fields beyond the declared set.
	ModeFixed Mode = "fixed"
	// ModeFlexible guarantees the declared fields and infers-and-locks extras.
	ModeFlexible Mode = "flexible"
	// ModeDynamic declares nothing upfront; every field is inferred on first sight.
	ModeDynamic Mode = "dynamic"
)

// modeRank orders modes by restrictiveness for merge precedence. FIXED wins.
func modeRank(m Mode) int {
	switch m {
	case ModeFixed:
		return 0
	case ModeFlexible:
		return 1
	default:
		return 2
	}
}

// FieldSource records whether a field was declared by the pipeline author or
// inferred from data.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// FieldContract describes one declared or inferred field. Immutable once constructed.
type FieldContract struct {
	NormalizedName string
	OriginalName   string
	ValueType      FieldType
	Required       bool
	Source         FieldSource
}

// Contract errors. These are recoverable contract errors (category (a) in the engine's
// error taxonomy): callers convert them into quarantine routing, not run aborts.
var (
	ErrTypeConflict    = errors.New("field type conflicts with locked type")
	ErrUndeclaredField = errors.New("field not declared on fixed contract")
	ErrMergeConflict   = errors.New("contract merge conflict")
	ErrDuplicateField  = errors.New("duplicate field name in contract")
	ErrDynamicDeclared = errors.New("dynamic contract cannot declare fields")
	ErrFieldNotFound   = errors.New("field not found")
)

// Contract is the type contract for a node's row stream: a mode, an ordered set of
// field contracts unique by normalized name, and a locked flag. Contracts are shared
// by pointer across tokens and must never be mutated; all mutators return a new value.
type Contract struct {
	mode   Mode
	fields []FieldContract
	locked bool

	// Derived lookup indices, built once per construction, never mutated.
	byNormalized map[string]int
	byOriginal   map[string]string
}

// NewContract builds a contract in the given mode with the declared fields.
// Declared fields are marked SourceDeclared. Dynamic contracts declare nothing.
func NewContract(mode Mode, declared ...FieldContract) (*Contract, error) {
	if mode == ModeDynamic && len(declared) > 0 {
		return nil, fmt.Errorf("%w: %d fields declared", ErrDynamicDeclared, len(declared))
	}
	fields := make([]FieldContract, 0, len(declared))
	for _, f := range declared {
		f.Source = SourceDeclared
		if f.ValueType == "" {
			f.ValueType = TypeAny
		}
		if f.OriginalName == "" {
			f.OriginalName = f.NormalizedName
		}
		fields = append(fields, f)
	}
	c := &Contract{mode: mode, fields: fields}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustContract is NewContract for statically known field sets, typically in tests.
func MustContract(mode Mode, declared ...FieldContract) *Contract {
	c, err := NewContract(mode, declared...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Contract) reindex() error {
	c.byNormalized = make(map[string]int, len(c.fields))
	c.byOriginal = make(map[string]string, len(c.fields))
	for i, f := range c.fields {
		if _, dup := c.byNormalized[f.NormalizedName]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateField, f.NormalizedName)
		}
		c.byNormalized[f.NormalizedName] = i
		if f.OriginalName != "" {
			c.byOriginal[f.OriginalName] = f.NormalizedName
		}
	}
	return nil
}

// Mode returns the contract mode.
func (c *Contract) Mode() Mode { return c.mode }

// Locked reports whether inferred fields are closed to further type changes.
func (c *Contract) Locked() bool { return c.locked }

// Len returns the number of fields the contract covers.
func (c *Contract) Len() int { return len(c.fields) }

// Fields returns a copy of the ordered field contracts.
func (c *Contract) Fields() []FieldContract {
	out := make([]FieldContract, len(c.fields))
	copy(out, c.fields)
	return out
}

// Field returns the contract for the given normalized name.
func (c *Contract) Field(normalized string) (FieldContract, bool) {
	i, ok := c.byNormalized[normalized]
	if !ok {
		return FieldContract{}, false
	}
	return c.fields[i], true
}

// Resolve maps a key given by either normalized or original name to the normalized
// name. Normalized names take precedence when both resolutions exist.
func (c *Contract) Resolve(key string) (string, bool) {
	if _, ok := c.byNormalized[key]; ok {
		return key, true
	}
	if norm, ok := c.byOriginal[key]; ok {
		return norm, true
	}
	return "", false
}

// clone copies the contract so a mutator can extend it without touching the receiver.
func (c *Contract) clone() *Contract {
	fields := make([]FieldContract, len(c.fields))
	copy(fields, c.fields)
	return &Contract{mode: c.mode, fields: fields, locked: c.locked}
}

// WithField returns a contract extended with an inferred field, its type taken from
// the first observed value. First observation wins, period: if the field already
// exists with a different type the call fails with ErrTypeConflict; there is no
// re-inference. Fixed contracts reject names outside the declared set.
func (c *Contract) WithField(normalized, original string, sample any) (*Contract, error) {
	inferred := InferType(sample)
	if existing, ok := c.Field(normalized); ok {
		if existing.ValueType != TypeAny && inferred != TypeAny && existing.ValueType != inferred {
			return nil, fmt.Errorf("%w: field %q is %s, sample is %s",
				ErrTypeConflict, normalized, existing.ValueType, inferred)
		}
		return c, nil
	}
	if c.mode == ModeFixed {
		return nil, fmt.Errorf("%w: %q", ErrUndeclaredField, normalized)
	}
	if original == "" {
		original = normalized
	}
	next := c.clone()
	next.fields = append(next.fields, FieldContract{
		NormalizedName: normalized,
		OriginalName:   original,
		ValueType:      inferred,
		Required:       false,
		Source:         SourceInferred,
	})
	if err := next.reindex(); err != nil {
		return nil, err
	}
	return next, nil
}

// WithLocked returns a contract whose inferred fields are closed to type changes.
// Novel field names may still appear later on FLEXIBLE and DYNAMIC contracts; each
// is independently locked on first sight.
func (c *Contract) WithLocked() *Contract {
	if c.locked {
		return c
	}
	next := c.clone()
	next.locked = true
	if err := next.reindex(); err != nil {
		// clone of a valid contract cannot produce duplicates
		panic(err)
	}
	return next
}

// Validate checks row data against the contract and returns every violation found.
// It never mutates the contract or the data. Type checks apply once the contract is
// locked (or FIXED, whose declared types are locked by definition).
func (c *Contract) Validate(data map[string]any) []Violation {
	var violations []Violation
	typesEnforced := c.locked || c.mode == ModeFixed

	for _, f := range c.fields {
		value, present := data[f.NormalizedName]
		if !present {
			if f.Required {
				violations = append(violations, Violation{
					Kind:     ViolationMissingRequired,
					Field:    f.NormalizedName,
					Expected: f.ValueType,
				})
			}
			continue
		}
		if typesEnforced && !TypeMatches(f.ValueType, value) {
			violations = append(violations, Violation{
				Kind:     ViolationTypeMismatch,
				Field:    f.NormalizedName,
				Expected: f.ValueType,
				Actual:   InferType(value),
				Value:    value,
			})
		}
	}

	if c.mode == ModeFixed {
		// Deterministic violation order for reproducible diagnostics.
		extras := make([]string, 0)
		for key := range data {
			if _, ok := c.byNormalized[key]; !ok {
				extras = append(extras, key)
			}
		}
		sort.Strings(extras)
		for _, key := range extras {
			violations = append(violations, Violation{
				Kind:  ViolationUndeclaredField,
				Field: key,
				Value: data[key],
			})
		}
	}

	return violations
}

// Merge combines two branch contracts at a coalesce point.
//
// The result mode is the more restrictive of the two (FIXED wins). Fields present on
// both sides must agree on type exactly; a disagreement is a design-time bug signal
// (two branches produced incompatible types for the same field) and fails the merge
// rather than widening. A field present on only one side is included but forced
// optional: a field that exists on only one path cannot be a joint guarantee. The
// result is locked if either input is locked.
func (c *Contract) Merge(other *Contract) (*Contract, error) {
	if other == nil {
		return nil, fmt.Errorf("%w: merge with nil contract", ErrMergeConflict)
	}

	mode := c.mode
	if modeRank(other.mode) < modeRank(mode) {
		mode = other.mode
	}

	fields := make([]FieldContract, 0, len(c.fields)+len(other.fields))
	for _, f := range c.fields {
		if of, ok := other.Field(f.NormalizedName); ok {
			if f.ValueType != of.ValueType {
				return nil, fmt.Errorf("%w: field %q has type %s on one branch and %s on the other",
					ErrMergeConflict, f.NormalizedName, f.ValueType, of.ValueType)
			}
			merged := f
			merged.Required = f.Required && of.Required
			fields = append(fields, merged)
			continue
		}
		solo := f
		solo.Required = false
		fields = append(fields, solo)
	}
	for _, of := range other.fields {
		if _, ok := c.Field(of.NormalizedName); ok {
			continue
		}
		solo := of
		solo.Required = false
		fields = append(fields, solo)
	}

	merged := &Contract{mode: mode, fields: fields, locked: c.locked || other.locked}
	if err := merged.reindex(); err != nil {
		return nil, err
	}
	return merged, nil
}

// VersionHash returns a deterministic digest identifying the contract's structure.
// Fields are sorted by normalized name before hashing, so structurally identical
// contracts hash identically regardless of construction order. Checkpoints use the
// hash to store one contract definition for N buffered rows.
func (c *Contract) VersionHash() string {
	sorted := c.Fields()
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NormalizedName < sorted[j].NormalizedName
	})

	h := sha256.New()
	fmt.Fprintf(h, "mode=%s\n", c.mode)
	for _, f := range sorted {
		fmt.Fprintf(h, "%s|%s|%s|%t|%s\n", f.NormalizedName, f.OriginalName, f.ValueType, f.Required, f.Source)
	}
	return hex.EncodeToString(h.Sum(nil))
}
