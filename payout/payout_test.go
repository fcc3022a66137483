package payout

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

func TestComputeSingleKiller(t *testing.T) {
	stakes := map[string]decimal.Decimal{}
	for _, p := range []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8", "p9"} {
		stakes[p] = d("1")
	}

	res, err := Compute(Input{
		EntryFee:         d("1.0"),
		KillAwardRate:    d("0.1"),
		ParticipantCount: 10,
		StakeByPlayer:    stakes,
		KillsByPlayer:    map[string]int{"p3": 3},
		ProtocolFee:      d("1.0"),
		WinnerPlayerID:   "p3",
	})
	require.NoError(t, err)

	assertDecimal(t, "10", res.TotalPool)
	assertDecimal(t, "0.3", res.KillAwards["p3"])
	assertDecimal(t, "0.3", res.KillAwardsTotal)
	assertDecimal(t, "8.7", res.WinnerPayout)
	assert.False(t, res.Scaled)
	assert.Equal(t, "p3", res.WinnerPlayerID)
}

func TestComputeCapsAwardAtStake(t *testing.T) {
	res, err := Compute(Input{
		EntryFee:         d("2"),
		KillAwardRate:    d("0.5"),
		ParticipantCount: 12,
		StakeByPlayer:    map[string]decimal.Decimal{"a": d("2"), "b": d("4")},
		KillsByPlayer:    map[string]int{"a": 11},
		ProtocolFee:      d("1.2"),
		WinnerPlayerID:   "b",
	})
	require.NoError(t, err)

	assertDecimal(t, "2", res.KillAwards["a"])
	assertDecimal(t, "20.8", res.WinnerPayout)
}

func TestComputeScalesAwardsThatOverflowPool(t *testing.T) {
	res, err := Compute(Input{
		EntryFee:         d("1"),
		KillAwardRate:    d("0.5"),
		ParticipantCount: 3,
		StakeByPlayer:    map[string]decimal.Decimal{"a": d("2"), "b": d("1")},
		KillsByPlayer:    map[string]int{"a": 4, "b": 2},
		ProtocolFee:      d("0.3"),
		WinnerPlayerID:   "a",
	})
	require.NoError(t, err)

	assert.True(t, res.Scaled)
	assertDecimal(t, "1.8", res.KillAwards["a"])
	assertDecimal(t, "0.9", res.KillAwards["b"])
	assertDecimal(t, "0", res.WinnerPayout)
}

func TestComputeScalingTruncates(t *testing.T) {
	res, err := Compute(Input{
		EntryFee:         d("1"),
		KillAwardRate:    d("1"),
		ParticipantCount: 3,
		StakeByPlayer:    map[string]decimal.Decimal{"a": d("1"), "b": d("1"), "c": d("1")},
		KillsByPlayer:    map[string]int{"a": 1, "b": 1, "c": 1},
		ProtocolFee:      d("0.1"),
		WinnerPlayerID:   "c",
	})
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		assertDecimal(t, "0.96666666", res.KillAwards[p])
	}
	assertDecimal(t, "0.00000002", res.WinnerPayout)
	assert.False(t, res.WinnerPayout.IsNegative())
}

func TestComputeNeverOverDistributes(t *testing.T) {
	for kills := 0; kills < 40; kills++ {
		res, err := Compute(Input{
			EntryFee:         d("0.37"),
			KillAwardRate:    d("0.25"),
			ParticipantCount: 7,
			StakeByPlayer:    map[string]decimal.Decimal{"a": d("1.11"), "b": d("1.48")},
			KillsByPlayer:    map[string]int{"a": kills, "b": kills / 2},
			ProtocolFee:      d("0.2"),
			WinnerPlayerID:   "b",
		})
		require.NoError(t, err)
		distributed := res.KillAwardsTotal.Add(res.WinnerPayout).Add(res.ProtocolFee)
		assert.Truef(t, distributed.Equal(res.TotalPool), "kills=%d distributed %s", kills, distributed)
		assert.False(t, res.WinnerPayout.IsNegative())
	}
}

func TestComputeRejectsBadInput(t *testing.T) {
	base := Input{
		EntryFee:         d("1"),
		KillAwardRate:    d("0.1"),
		ParticipantCount: 3,
		StakeByPlayer:    map[string]decimal.Decimal{"a": d("3")},
		KillsByPlayer:    map[string]int{"a": 2},
		ProtocolFee:      d("0.3"),
		WinnerPlayerID:   "a",
	}

	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"no participants", func(in *Input) { in.ParticipantCount = 0 }},
		{"negative fee", func(in *Input) { in.EntryFee = d("-1") }},
		{"protocol fee above pool", func(in *Input) { in.ProtocolFee = d("3.01") }},
		{"kills without stake", func(in *Input) { in.KillsByPlayer["ghost"] = 1 }},
		{"missing winner", func(in *Input) { in.WinnerPlayerID = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			in.KillsByPlayer = map[string]int{"a": 2}
			tc.mutate(&in)
			_, err := Compute(in)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrInvalidInput))
		})
	}
}
