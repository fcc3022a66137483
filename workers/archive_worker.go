package workers

import (
	"context"
	"time"

	"coin-clash/models"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ObjectStore is where finished match records are uploaded.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MatchArchive is the document written for every finished match.
type MatchArchive struct {
	Match        models.Match              `json:"match"`
	Participants []models.MatchParticipant `json:"participants"`
	Joins        []models.JoinRequest      `json:"joins"`
	Events       []models.MatchEvent       `json:"events"`
	Payouts      []models.PendingPayout    `json:"payouts"`
	ArchivedAt   time.Time                 `json:"archived_at"`
}

// ArchiveWorker uploads the full record of terminal matches and stamps
// archived_at so each match is uploaded once.
type ArchiveWorker struct {
	DB        *gorm.DB
	Store     ObjectStore
	Clock     clockwork.Clock
	Log       zerolog.Logger
	BatchSize int
}

func NewArchiveWorker(db *gorm.DB, store ObjectStore, clock clockwork.Clock, log zerolog.Logger) *ArchiveWorker {
	return &ArchiveWorker{
		DB:        db,
		Store:     store,
		Clock:     clock,
		Log:       log.With().Str("component", "archive").Logger(),
		BatchSize: 20,
	}
}

func archiveKey(matchID string) string {
	return "matches/" + matchID + ".json"
}

// Run archives on every tick until ctx is done.
func (w *ArchiveWorker) Run(ctx context.Context, interval time.Duration) {
	w.Log.Info().Dur("interval", interval).Msg("archive worker started")
	ticker := w.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Msg("archive worker stopped")
			return
		case <-ticker.Chan():
			n, err := w.ArchiveOnce(ctx)
			if err != nil {
				w.Log.Error().Err(err).Int("archived", n).Msg("archive pass failed")
				continue
			}
			if n > 0 {
				w.Log.Info().Int("archived", n).Msg("archived finished matches")
			}
		}
	}
}

// ArchiveOnce uploads one batch of unarchived terminal matches and returns
// how many were archived.
func (w *ArchiveWorker) ArchiveOnce(ctx context.Context) (int, error) {
	var matches []models.Match
	if err := w.DB.WithContext(ctx).
		Where("status IN ? AND archived_at IS NULL", []models.MatchStatus{models.MatchCompleted, models.MatchFailed, models.MatchCancelled}).
		Order("ended_at").Limit(w.BatchSize).Find(&matches).Error; err != nil {
		return 0, eris.Wrap(err, "failed to load matches to archive")
	}

	archived := 0
	for _, m := range matches {
		if err := w.archive(ctx, m); err != nil {
			return archived, eris.Wrapf(err, "failed to archive match %s", m.ID)
		}
		archived++
	}
	return archived, nil
}

func (w *ArchiveWorker) archive(ctx context.Context, m models.Match) error {
	db := w.DB.WithContext(ctx)
	doc := MatchArchive{Match: m, ArchivedAt: w.Clock.Now().UTC()}
	if err := db.Where("match_id = ?", m.ID).Order("entry_order").Find(&doc.Participants).Error; err != nil {
		return eris.Wrap(err, "failed to load participants")
	}
	if err := db.Where("match_id = ?", m.ID).Order("created_at").Find(&doc.Joins).Error; err != nil {
		return eris.Wrap(err, "failed to load join requests")
	}
	if err := db.Where("match_id = ?", m.ID).Order("seq").Find(&doc.Events).Error; err != nil {
		return eris.Wrap(err, "failed to load events")
	}
	if err := db.Where("match_id = ?", m.ID).Order("kind, player_id").Find(&doc.Payouts).Error; err != nil {
		return eris.Wrap(err, "failed to load payouts")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "failed to encode archive")
	}
	url, err := w.Store.PutObject(ctx, archiveKey(m.ID), body, "application/json")
	if err != nil {
		return err
	}

	return db.Model(&models.Match{}).Where("id = ? AND archived_at IS NULL", m.ID).Updates(map[string]interface{}{
		"archived_at": doc.ArchivedAt,
		"archive_url": url,
	}).Error
}
