package models

import (
	"database/sql/driver"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"gorm.io/gorm"
)

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// IDList is stored as a JSON array in a text column.
type IDList []string

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode id list")
	}
	return string(b), nil
}

func (l *IDList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return eris.Errorf("unsupported id list source %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return eris.Wrap(err, "failed to decode id list")
	}
	*l = out
	return nil
}

// All lists every table for AutoMigrate.
func All() []any {
	return []any{
		&Match{},
		&MatchParticipant{},
		&JoinRequest{},
		&MatchEvent{},
		&OwnedCharacter{},
		&Sequence{},
		&PendingPayout{},
	}
}
