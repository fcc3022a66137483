package payout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTierTable(t *testing.T) {
	table, err := ParseTierTable("3:6, 1:10,2:8,5:4,4:5")
	require.NoError(t, err)
	assert.Equal(t, "1:10,2:8,3:6,4:5,5:4", table.String())

	tests := []struct {
		count int
		want  string
	}{
		{0, "10"},
		{1, "10"},
		{2, "8"},
		{5, "4"},
		{9, "4"},
	}
	for _, tc := range tests {
		assertDecimal(t, tc.want, table.Tier(tc.count).Percent)
	}
}

func TestTierTableFee(t *testing.T) {
	table, err := ParseTierTable("1:10,2:8,3:6")
	require.NoError(t, err)

	assertDecimal(t, "0.1", table.Fee(d("1"), 1))
	assertDecimal(t, "0.24", table.Fee(d("3"), 3))
	assertDecimal(t, "0.16", table.Fee(d("2"), 2))
}

func TestParseTierTableErrors(t *testing.T) {
	for _, in := range []string{"", "1", "x:10", "1:abc", "0:5", "1:101", "1:5,1:4", "1:5,2:6"} {
		_, err := ParseTierTable(in)
		assert.Errorf(t, err, "input %q", in)
	}
}

func TestTierTableUnmarshalText(t *testing.T) {
	var table TierTable
	require.NoError(t, table.UnmarshalText([]byte("1:7.5")))
	assertDecimal(t, "7.5", table.Tier(3).Percent)
	assert.False(t, table.Empty())
}
