package models

// OwnedCharacter persists across matches. ActiveMatchID is set while the
// character is entered in a match that has not reached a terminal status.
type OwnedCharacter struct {
	ID            string  `gorm:"primaryKey" json:"id"`
	PlayerID      string  `gorm:"index;not null" json:"player_id"`
	Name          string  `gorm:"not null" json:"name"`
	Alive         bool    `gorm:"not null" json:"alive"`
	RevivalCount  int     `gorm:"not null" json:"revival_count"`
	LastMatchID   *string `json:"last_match_id,omitempty"`
	ActiveMatchID *string `gorm:"index" json:"active_match_id,omitempty"`

	Timestamps
}

// Sequence is a named counter incremented inside transactions.
type Sequence struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null"`
}
