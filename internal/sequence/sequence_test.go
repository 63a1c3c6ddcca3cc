package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64Compare(t *testing.T) {
	cases := []struct {
		name string
		a, b Int64
		want Order
	}{
		{"equal", NewInt64(5), NewInt64(5), Equal},
		{"less", NewInt64(3), NewInt64(5), Less},
		{"greater", NewInt64(9), NewInt64(5), Greater},
		{"eos less than value", EndOfShardInt64(), NewInt64(0), Less},
		{"noend greater than value", NoEndInt64(), NewInt64(1 << 40), Greater},
		{"eos less than noend", EndOfShardInt64(), NoEndInt64(), Less},
		{"eos equal eos", EndOfShardInt64(), EndOfShardInt64(), Equal},
		{"noend equal noend", NoEndInt64(), NoEndInt64(), Equal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}

func TestInt64Next(t *testing.T) {
	n := NewInt64(7)
	require.Equal(t, Int64{value: 8}, n.Next())
	assert.Panics(t, func() { EndOfShardInt64().Next() })
	assert.Panics(t, func() { NoEndInt64().Next() })
}

func TestBigStringCompareUsesNumericValue(t *testing.T) {
	a := NewBigString("000000000000000000000099")
	b := NewBigString("99")
	assert.Equal(t, Equal, a.Compare(b))
	assert.Equal(t, a.String() != b.String(), true, "string forms differ even though numeric value is equal")
}

func TestBigStringSentinels(t *testing.T) {
	assert.Equal(t, Less, EndOfShardBigString().Compare(NewBigString("0")))
	assert.Equal(t, Greater, NoEndBigString().Compare(NewBigString("123456789012345678901234567890")))
	assert.True(t, EndOfShardBigString().IsSentinel())
	assert.True(t, NoEndBigString().IsSentinel())
	assert.False(t, NewBigString("1").IsSentinel())
}

func TestBigStringNext(t *testing.T) {
	n := NewBigString("999999999999999999999999999999")
	next := n.Next().(BigString)
	assert.Equal(t, "1000000000000000000000000000000", next.String())
}
