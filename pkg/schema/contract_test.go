package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferType(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  FieldType
	}{
		{"int", 42, TypeInteger},
		{"int64", int64(42), TypeInteger},
		{"float", 1.5, TypeFloat},
		{"integral float stays float", 2.0, TypeFloat},
		{"string", "x", TypeString},
		{"bool", true, TypeBoolean},
		{"nil", nil, TypeAny},
		{"composite", map[string]any{"a": 1}, TypeAny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferType(tc.value))
		})
	}
}

func TestWithField_InferAndLock(t *testing.T) {
	c, err := NewContract(ModeDynamic)
	require.NoError(t, err)

	c2, err := c.WithField("amount", "Amount", 10)
	require.NoError(t, err)
	f, ok := c2.Field("amount")
	require.True(t, ok)
	assert.Equal(t, TypeInteger, f.ValueType)
	assert.Equal(t, SourceInferred, f.Source)
	assert.False(t, f.Required)

	// Receiver untouched: contracts are value types.
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, c2.Len())

	locked := c2.WithLocked()
	assert.True(t, locked.Locked())
	assert.False(t, c2.Locked())

	// Same field, same type: no-op.
	same, err := locked.WithField("amount", "Amount", 77)
	require.NoError(t, err)
	assert.Equal(t, locked, same)

	// Same field, different type: first observation wins, period.
	_, err = locked.WithField("amount", "Amount", "oops")
	assert.ErrorIs(t, err, ErrTypeConflict)

	// Novel names still welcome after locking on non-fixed modes.
	extended, err := locked.WithField("note", "Note", "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, extended.Len())
}

func TestWithField_FixedRejectsUndeclared(t *testing.T) {
	c := MustContract(ModeFixed, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true})
	_, err := c.WithField("surprise", "Surprise", 1)
	assert.ErrorIs(t, err, ErrUndeclaredField)
}

func TestNewContract_DynamicDeclaresNothing(t *testing.T) {
	_, err := NewContract(ModeDynamic, FieldContract{NormalizedName: "id"})
	assert.ErrorIs(t, err, ErrDynamicDeclared)
}

func TestValidate(t *testing.T) {
	c := MustContract(ModeFixed,
		FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true},
		FieldContract{NormalizedName: "name", ValueType: TypeString},
	)

	t.Run("clean row", func(t *testing.T) {
		assert.Empty(t, c.Validate(map[string]any{"id": 1, "name": "a"}))
	})

	t.Run("missing required", func(t *testing.T) {
		vs := c.Validate(map[string]any{"name": "a"})
		require.Len(t, vs, 1)
		assert.Equal(t, ViolationMissingRequired, vs[0].Kind)
		assert.Equal(t, "id", vs[0].Field)
	})

	t.Run("type mismatch", func(t *testing.T) {
		vs := c.Validate(map[string]any{"id": "not-an-int"})
		require.Len(t, vs, 1)
		assert.Equal(t, ViolationTypeMismatch, vs[0].Kind)
		assert.Equal(t, TypeInteger, vs[0].Expected)
		assert.Equal(t, TypeString, vs[0].Actual)
		assert.Equal(t, "not-an-int", vs[0].Value)
	})

	t.Run("undeclared field on fixed", func(t *testing.T) {
		vs := c.Validate(map[string]any{"id": 1, "extra": true})
		require.Len(t, vs, 1)
		assert.Equal(t, ViolationUndeclaredField, vs[0].Kind)
		assert.Equal(t, "extra", vs[0].Field)
	})

	t.Run("nil value satisfies locked type", func(t *testing.T) {
		assert.Empty(t, c.Validate(map[string]any{"id": nil}))
	})

	t.Run("flexible tolerates extras before lock", func(t *testing.T) {
		fc := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true})
		assert.Empty(t, fc.Validate(map[string]any{"id": 1, "extra": "anything"}))
	})
}

func TestMerge(t *testing.T) {
	t.Run("shared field identical type", func(t *testing.T) {
		a := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true})
		b := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true})
		m, err := a.Merge(b)
		require.NoError(t, err)
		f, _ := m.Field("id")
		assert.True(t, f.Required)
	})

	t.Run("required iff required on both", func(t *testing.T) {
		a := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true})
		b := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: false})
		m, err := a.Merge(b)
		require.NoError(t, err)
		f, _ := m.Field("id")
		assert.False(t, f.Required)
	})

	t.Run("conflicting types fail", func(t *testing.T) {
		a := MustContract(ModeFlexible, FieldContract{NormalizedName: "flag", ValueType: TypeBoolean})
		b := MustContract(ModeFlexible, FieldContract{NormalizedName: "flag", ValueType: TypeInteger})
		_, err := a.Merge(b)
		assert.ErrorIs(t, err, ErrMergeConflict)
		assert.Contains(t, err.Error(), "boolean")
		assert.Contains(t, err.Error(), "integer")
	})

	t.Run("one-sided field forced optional", func(t *testing.T) {
		a := MustContract(ModeFlexible,
			FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true},
			FieldContract{NormalizedName: "extra", ValueType: TypeString, Required: true},
		)
		b := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger, Required: true})
		m, err := a.Merge(b)
		require.NoError(t, err)
		extra, ok := m.Field("extra")
		require.True(t, ok)
		assert.False(t, extra.Required)
	})

	t.Run("fixed wins mode precedence", func(t *testing.T) {
		a := MustContract(ModeFixed, FieldContract{NormalizedName: "id", ValueType: TypeInteger})
		b := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger})
		m, err := a.Merge(b)
		require.NoError(t, err)
		assert.Equal(t, ModeFixed, m.Mode())
		m2, err := b.Merge(a)
		require.NoError(t, err)
		assert.Equal(t, ModeFixed, m2.Mode())
	})

	t.Run("locked if either locked", func(t *testing.T) {
		a := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger}).WithLocked()
		b := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger})
		m, err := a.Merge(b)
		require.NoError(t, err)
		assert.True(t, m.Locked())
	})
}

func TestVersionHash_OrderIndependent(t *testing.T) {
	a := MustContract(ModeFlexible,
		FieldContract{NormalizedName: "a", ValueType: TypeInteger},
		FieldContract{NormalizedName: "b", ValueType: TypeString},
	)
	b := MustContract(ModeFlexible,
		FieldContract{NormalizedName: "b", ValueType: TypeString},
		FieldContract{NormalizedName: "a", ValueType: TypeInteger},
	)
	assert.Equal(t, a.VersionHash(), b.VersionHash())

	c := MustContract(ModeFixed,
		FieldContract{NormalizedName: "a", ValueType: TypeInteger},
		FieldContract{NormalizedName: "b", ValueType: TypeString},
	)
	assert.NotEqual(t, a.VersionHash(), c.VersionHash())
}

func TestDTO_RoundTrip(t *testing.T) {
	c := MustContract(ModeFlexible,
		FieldContract{NormalizedName: "id", OriginalName: "ID", ValueType: TypeInteger, Required: true},
	)
	c, err := c.WithField("note", "Note Text", "hello")
	require.NoError(t, err)
	c = c.WithLocked()

	restored, err := FromDTO(c.ToDTO())
	require.NoError(t, err)
	assert.Equal(t, c.VersionHash(), restored.VersionHash())
	assert.Equal(t, c.Locked(), restored.Locked())
	assert.Equal(t, c.Fields(), restored.Fields())

	_, err = FromDTO(ContractDTO{Mode: "bogus"})
	assert.Error(t, err)
}
