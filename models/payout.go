package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutKind string

const (
	PayoutKillAward PayoutKind = "kill_award"
	PayoutWinner    PayoutKind = "winner"
	PayoutRefund    PayoutKind = "refund"
)

type SettlementStatus string

const (
	SettlementUnsettled SettlementStatus = "unsettled"
	SettlementSettling  SettlementStatus = "settling"
	SettlementSettled   SettlementStatus = "settled"
	SettlementFailed    SettlementStatus = "failed"
)

// PendingPayout is an amount owed to a player, one row per (match, player,
// kind, source). SourceID is empty for match results and lobby refunds and
// names the join request for a refund of a rolled-back join.
type PendingPayout struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	MatchID   string           `gorm:"not null;uniqueIndex:idx_payout_key" json:"match_id"`
	PlayerID  string           `gorm:"not null;uniqueIndex:idx_payout_key" json:"player_id"`
	Kind      PayoutKind       `gorm:"type:varchar(16);not null;uniqueIndex:idx_payout_key" json:"kind"`
	SourceID  string           `gorm:"not null;default:'';uniqueIndex:idx_payout_key" json:"source_id,omitempty"`
	Amount    decimal.Decimal  `gorm:"type:decimal(20,8);not null" json:"amount"`
	Currency  string           `gorm:"type:varchar(16);not null" json:"currency"`
	Status    SettlementStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempts  int              `gorm:"not null" json:"attempts"`
	LastError string           `gorm:"type:text" json:"last_error,omitempty"`
	TxID      string           `json:"tx_id,omitempty"`
	SettledAt *time.Time       `json:"settled_at,omitempty"`
	// NeedsIntervention marks a payout stuck in settling: the wallet may or
	// may not have paid it, so only an operator can resolve it.
	NeedsIntervention bool `gorm:"index" json:"needs_intervention"`

	Timestamps
}
