package services

import (
	"context"
	"errors"

	"coin-clash/models"
	"coin-clash/scenarios"

	"github.com/rotisserie/eris"
	"gorm.io/gorm"
)

const (
	defaultEventPage = 50
	maxEventPage     = 500
)

// EventFeed pages through a match's persisted event log.
type EventFeed struct {
	DB      *gorm.DB
	Catalog *scenarios.Catalog
}

type EventPage struct {
	Events []models.MatchEvent `json:"events"`
	// NextCursor is the seq to pass as after_seq for the next page. It stays
	// at after_seq when no new events exist.
	NextCursor int  `json:"next_cursor"`
	Finished   bool `json:"finished"`
}

func (f *EventFeed) ListEvents(ctx context.Context, matchID string, afterSeq, limit int) (*EventPage, error) {
	if afterSeq < 0 {
		return nil, invalid("after", "must be >= 0")
	}
	if limit <= 0 {
		limit = defaultEventPage
	}
	limit = min(limit, maxEventPage)

	var match models.Match
	if err := f.DB.WithContext(ctx).Select("id", "status").Where("id = ?", matchID).First(&match).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "match", ID: matchID}
		}
		return nil, eris.Wrap(err, "failed to load match")
	}

	var events []models.MatchEvent
	if err := f.DB.WithContext(ctx).Where("match_id = ? AND seq > ?", matchID, afterSeq).
		Order("seq").Limit(limit).Find(&events).Error; err != nil {
		return nil, eris.Wrap(err, "failed to list events")
	}

	page := &EventPage{Events: events, NextCursor: afterSeq}
	for i := range events {
		if f.Catalog != nil {
			if cat, ok := f.Catalog.Category(events[i].Category); ok {
				events[i].CategoryLabel = cat.Label()
			}
		}
		page.NextCursor = events[i].Seq
	}
	page.Finished = match.Status.Terminal() && len(events) < limit
	return page, nil
}
