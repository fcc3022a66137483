package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchFilling   MatchStatus = "filling"
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
	MatchFailed    MatchStatus = "failed"
)

// matchTransitions lists every allowed status edge.
var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchPending: {MatchFilling},
	MatchFilling: {MatchActive, MatchCancelled},
	MatchActive:  {MatchCompleted, MatchFailed},
}

func (s MatchStatus) CanTransition(to MatchStatus) bool {
	for _, next := range matchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s MatchStatus) Terminal() bool {
	return s == MatchCompleted || s == MatchCancelled || s == MatchFailed
}

// Match is one lobby and, once started, one simulation run.
type Match struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Name      string `json:"name"`
	Slug      string `gorm:"index" json:"slug"`
	CreatorID string `gorm:"index;not null" json:"creator_id"`

	EntryFee               decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"entry_fee"`
	KillAwardRate          decimal.Decimal `gorm:"type:decimal(10,6);not null" json:"kill_award_rate"`
	Currency               string          `gorm:"type:varchar(16);not null" json:"currency"`
	MinPlayers             int             `gorm:"not null" json:"min_players"`
	MaxCharacters          int             `gorm:"not null" json:"max_characters"`
	MaxCharactersPerPlayer int             `gorm:"not null" json:"max_characters_per_player"`
	FeeTiers               string          `json:"fee_tiers"` // snapshot of the tier table at creation
	CountdownSeconds       int             `gorm:"not null" json:"countdown_seconds"`
	RoundDelayMinMS        int64           `json:"round_delay_min_ms"`
	RoundDelayMaxMS        int64           `json:"round_delay_max_ms"`
	ListingFeeTxID         string          `json:"listing_fee_tx_id,omitempty"`

	Status            MatchStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	CountdownDeadline *time.Time  `json:"countdown_deadline,omitempty"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`

	WinnerParticipantID *string `json:"winner_participant_id,omitempty"`
	Rounds              int     `json:"rounds"`
	Seed                string  `json:"seed,omitempty"`

	TotalPool    decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_pool"`
	ProtocolFee  decimal.Decimal `gorm:"type:decimal(20,8)" json:"protocol_fee"`
	WinnerPayout decimal.Decimal `gorm:"type:decimal(20,8)" json:"winner_payout"`

	FailureReason     string `gorm:"type:text" json:"failure_reason,omitempty"`
	NeedsIntervention bool   `gorm:"index" json:"needs_intervention"`

	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ArchiveURL string     `json:"archive_url,omitempty"`

	Timestamps

	// Calculated fields (not stored in DB)
	ParticipantCount int64 `json:"participant_count" gorm:"-"`
	PlayerCount      int64 `json:"player_count" gorm:"-"`
}

// MatchParticipant is a character's instance inside one match.
type MatchParticipant struct {
	ID               string `gorm:"primaryKey" json:"id"`
	MatchID          string `gorm:"not null;uniqueIndex:idx_participant_character;uniqueIndex:idx_participant_order" json:"match_id"`
	CharacterID      string `gorm:"not null;uniqueIndex:idx_participant_character" json:"character_id"`
	PlayerID         string `gorm:"not null;index" json:"player_id"`
	JoinRequestID    string `gorm:"not null;index" json:"join_request_id"`
	Name             string `json:"name"`
	EntryOrder       int    `gorm:"not null;uniqueIndex:idx_participant_order" json:"entry_order"`
	Alive            bool   `gorm:"not null" json:"alive"`
	EliminationRound *int   `json:"elimination_round,omitempty"`
	Kills            int    `gorm:"not null" json:"kills"`

	Timestamps
}

type JoinStatus string

const (
	JoinPending   JoinStatus = "pending"
	JoinConfirmed JoinStatus = "confirmed"
	JoinFailed    JoinStatus = "failed"
)

// JoinRequest is the ledger row for one player's attempt to enter a match.
// It is never updated once confirmed or failed.
type JoinRequest struct {
	ID             string          `gorm:"primaryKey" json:"id"`
	MatchID        string          `gorm:"not null;index" json:"match_id"`
	PlayerID       string          `gorm:"not null;index" json:"player_id"`
	CharacterIDs   IDList          `gorm:"type:text" json:"character_ids"`
	CharacterCount int             `gorm:"not null" json:"character_count"`
	TotalFee       decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"total_fee"`
	// FeeTier is the player's cumulative character count after this join.
	FeeTier         int             `json:"fee_tier"`
	ProtocolFeeRate decimal.Decimal `gorm:"type:decimal(10,6)" json:"protocol_fee_rate"`
	ProtocolFee     decimal.Decimal `gorm:"type:decimal(20,8)" json:"protocol_fee"`
	Status          JoinStatus      `gorm:"type:varchar(16);index;not null" json:"status"`
	PaymentRef      string          `gorm:"index" json:"payment_ref"`
	PaymentTxID     string          `json:"payment_tx_id,omitempty"`
	FailureKind     string          `json:"failure_kind,omitempty"`
	FailureReason   string          `gorm:"type:text" json:"failure_reason,omitempty"`

	Timestamps
}

// MatchEvent is one entry of a match's append-only event log.
type MatchEvent struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	MatchID    string    `gorm:"not null;uniqueIndex:idx_match_event_seq" json:"match_id"`
	Seq        int       `gorm:"not null;uniqueIndex:idx_match_event_seq" json:"seq"`
	Round      int       `gorm:"not null" json:"round"`
	Kind       string    `gorm:"type:varchar(16)" json:"kind"`
	Category   string    `gorm:"type:varchar(64)" json:"category"`
	ScenarioID string    `gorm:"type:varchar(64)" json:"scenario_id"`
	Effect     string    `gorm:"type:varchar(16)" json:"effect"`
	Actors     IDList    `gorm:"type:text" json:"participant_ids"`
	KillerID   string    `json:"killer_id,omitempty"`
	Eliminated IDList    `gorm:"type:text" json:"eliminated,omitempty"`
	Revived    IDList    `gorm:"type:text" json:"revived,omitempty"`
	Text       string    `gorm:"type:text" json:"text"`
	OccurredAt time.Time `gorm:"not null" json:"occurred_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	CategoryLabel string `gorm:"-" json:"category_label,omitempty"`
}
