package partitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamingest/internal/sequence"
)

func md(stream string, m map[ID]sequence.Number) DataSourceMetadata {
	return NewDataSourceMetadata(stream, m)
}

func TestPlusSameStreamUnionsWithOtherOverriding(t *testing.T) {
	a := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5), int32(1): sequence.NewInt64(10)})
	b := md("s1", map[ID]sequence.Number{int32(1): sequence.NewInt64(20), int32(2): sequence.NewInt64(1)})

	got := a.Plus(b)
	assert.Equal(t, sequence.NewInt64(5), got.Partitions[int32(0)])
	assert.Equal(t, sequence.NewInt64(20), got.Partitions[int32(1)])
	assert.Equal(t, sequence.NewInt64(1), got.Partitions[int32(2)])
}

func TestPlusDifferentStreamOtherWins(t *testing.T) {
	a := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5)})
	b := md("s2", map[ID]sequence.Number{int32(0): sequence.NewInt64(7)})
	assert.True(t, Equal(a.Plus(b), b))
}

func TestMinusSameStreamRemovesKeys(t *testing.T) {
	a := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5), int32(1): sequence.NewInt64(10)})
	b := md("s1", map[ID]sequence.Number{int32(1): sequence.NewInt64(0)})
	got := a.Minus(b)
	_, stillPresent := got.Partitions[int32(1)]
	assert.False(t, stillPresent)
	assert.Equal(t, sequence.NewInt64(5), got.Partitions[int32(0)])
}

func TestMinusSelfIsEmpty(t *testing.T) {
	a := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5)})
	got := a.Minus(a)
	assert.Empty(t, got.Partitions)
	assert.Equal(t, "s1", got.StreamID)
}

func TestMinusDifferentStreamIsNoOp(t *testing.T) {
	a := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5)})
	b := md("s2", map[ID]sequence.Number{int32(0): sequence.NewInt64(99)})
	assert.True(t, Equal(a.Minus(b), a))
}

func TestMatches(t *testing.T) {
	a := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5)})
	b := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(5), int32(1): sequence.NewInt64(9)})
	assert.True(t, a.Matches(b))

	c := md("s1", map[ID]sequence.Number{int32(0): sequence.NewInt64(99)})
	assert.False(t, a.Matches(c))
}

func TestEncodingRoundTripInt64(t *testing.T) {
	orig := md("s1", map[ID]sequence.Number{
		int32(0): sequence.NewInt64(42),
		int32(1): sequence.NoEndInt64(),
		int32(2): sequence.EndOfShardInt64(),
	})
	data, err := MarshalFlavored(orig, FlavorInt64)
	require.NoError(t, err)

	got, flavor, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, FlavorInt64, flavor)
	assert.True(t, Equal(orig, got))
}

func TestEncodingRoundTripBigString(t *testing.T) {
	orig := md("s1", map[ID]sequence.Number{
		"shard-0": sequence.NewBigString("170000000000000000000000001"),
		"shard-1": sequence.EndOfShardBigString(),
	})
	data, err := MarshalFlavored(orig, FlavorBigString)
	require.NoError(t, err)

	got, flavor, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, FlavorBigString, flavor)
	assert.True(t, Equal(orig, got))
}
