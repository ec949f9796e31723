package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRow_DualNameAccess(t *testing.T) {
	c := MustContract(ModeFlexible,
		FieldContract{NormalizedName: "order_id", OriginalName: "Order ID", ValueType: TypeInteger, Required: true},
	)
	row := NewRow(map[string]any{"order_id": 7}, c)

	byNorm, err := row.Get("order_id")
	require.NoError(t, err)
	byOrig, err := row.Get("Order ID")
	require.NoError(t, err)
	assert.Equal(t, 7, byNorm)
	assert.Equal(t, 7, byOrig)

	assert.True(t, row.Contains("order_id"))
	assert.True(t, row.Contains("Order ID"))
	assert.False(t, row.Contains("nope"))
}

func TestRow_FieldNotFoundIsExplicit(t *testing.T) {
	c := MustContract(ModeFixed, FieldContract{NormalizedName: "id", ValueType: TypeInteger})
	row := NewRow(map[string]any{"id": 1}, c)

	_, err := row.Get("missing")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestRow_ContractCoveredButAbsentIsNil(t *testing.T) {
	c := MustContract(ModeFlexible, FieldContract{NormalizedName: "note", ValueType: TypeString})
	row := NewRow(map[string]any{}, c)

	v, err := row.Get("note")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRow_ToMapIncludesUncoveredFields(t *testing.T) {
	c := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger})
	row := NewRow(map[string]any{"id": 1, "stray": "kept"}, c)

	out := row.ToMap()
	assert.Equal(t, map[string]any{"id": 1, "stray": "kept"}, out)
}

func TestRow_Immutability(t *testing.T) {
	c := MustContract(ModeFlexible, FieldContract{NormalizedName: "id", ValueType: TypeInteger})
	in := map[string]any{"id": 1}
	row := NewRow(in, c)

	in["id"] = 999
	got, err := row.Get("id")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	out := row.ToMap()
	out["id"] = 777
	again, _ := row.Get("id")
	assert.Equal(t, 1, again)
}

// Wrapping then exporting loses nothing: Row(R, C).ToMap() == R for all data maps.
func TestRowProperties_NoDataLoss(t *testing.T) {
	c := MustContract(ModeDynamic)
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.MapOf(
			rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`),
			rapid.OneOf(
				rapid.Int().AsAny(),
				rapid.Float64().AsAny(),
				rapid.String().AsAny(),
				rapid.Bool().AsAny(),
			),
		).Draw(t, "data")

		row := NewRow(data, c)
		require.Equal(t, data, row.ToMap())
	})
}
