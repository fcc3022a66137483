// Package payout splits a finished match's entry pool into kill awards, the
// protocol fee and the winner payout. It performs no I/O.
package payout

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Amounts are truncated to this many decimal places when scaled.
const Precision = 8

var (
	ErrInvalidInput   = eris.New("invalid payout input")
	ErrNegativePayout = eris.New("winner payout would be negative")
)

type Input struct {
	EntryFee         decimal.Decimal
	KillAwardRate    decimal.Decimal
	ParticipantCount int
	// StakeByPlayer is the sum of confirmed join fees per player.
	StakeByPlayer map[string]decimal.Decimal
	KillsByPlayer map[string]int
	// ProtocolFee is the sum of the tiered fees recorded at join time.
	ProtocolFee    decimal.Decimal
	WinnerPlayerID string
}

type Result struct {
	TotalPool       decimal.Decimal
	ProtocolFee     decimal.Decimal
	KillAwards      map[string]decimal.Decimal
	KillAwardsTotal decimal.Decimal
	WinnerPlayerID  string
	WinnerPayout    decimal.Decimal
	// Scaled reports that kill awards were reduced to fit the pool.
	Scaled bool
}

func Compute(in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	pool := in.EntryFee.Mul(decimal.NewFromInt(int64(in.ParticipantCount)))
	if in.ProtocolFee.GreaterThan(pool) {
		return Result{}, eris.Wrapf(ErrInvalidInput, "protocol fee %s exceeds pool %s", in.ProtocolFee, pool)
	}

	awards := make(map[string]decimal.Decimal, len(in.KillsByPlayer))
	total := decimal.Zero
	for _, player := range sortedPlayers(in.KillsByPlayer) {
		kills := in.KillsByPlayer[player]
		if kills == 0 {
			continue
		}
		award := decimal.NewFromInt(int64(kills)).Mul(in.EntryFee).Mul(in.KillAwardRate)
		if stake := in.StakeByPlayer[player]; award.GreaterThan(stake) {
			award = stake
		}
		if award.IsZero() {
			continue
		}
		awards[player] = award
		total = total.Add(award)
	}

	available := pool.Sub(in.ProtocolFee)
	scaled := false
	if total.GreaterThan(available) {
		scaled = true
		scaledTotal := decimal.Zero
		for player, award := range awards {
			q, _ := award.Mul(available).QuoRem(total, Precision)
			awards[player] = q
			scaledTotal = scaledTotal.Add(q)
		}
		total = scaledTotal
	}

	winner := available.Sub(total)
	if winner.IsNegative() {
		return Result{}, eris.Wrapf(ErrNegativePayout, "pool %s, protocol fee %s, kill awards %s", pool, in.ProtocolFee, total)
	}

	return Result{
		TotalPool:       pool,
		ProtocolFee:     in.ProtocolFee,
		KillAwards:      awards,
		KillAwardsTotal: total,
		WinnerPlayerID:  in.WinnerPlayerID,
		WinnerPayout:    winner,
		Scaled:          scaled,
	}, nil
}

func validate(in Input) error {
	switch {
	case in.ParticipantCount <= 0:
		return eris.Wrap(ErrInvalidInput, "participant count must be positive")
	case in.EntryFee.IsNegative():
		return eris.Wrap(ErrInvalidInput, "entry fee is negative")
	case in.KillAwardRate.IsNegative():
		return eris.Wrap(ErrInvalidInput, "kill award rate is negative")
	case in.ProtocolFee.IsNegative():
		return eris.Wrap(ErrInvalidInput, "protocol fee is negative")
	case in.WinnerPlayerID == "":
		return eris.Wrap(ErrInvalidInput, "winner is missing")
	}
	for player, kills := range in.KillsByPlayer {
		if kills < 0 {
			return eris.Wrapf(ErrInvalidInput, "player %s has negative kills", player)
		}
		if _, ok := in.StakeByPlayer[player]; !ok {
			return eris.Wrapf(ErrInvalidInput, "player %s has kills but no stake", player)
		}
	}
	return nil
}

func sortedPlayers(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
