package services

import (
	"context"
	"time"

	"coin-clash/models"
	"coin-clash/payment"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// SettlementService pays out PendingPayout rows through the wallet.
type SettlementService struct {
	DB       *gorm.DB
	Payments payment.Provider
	Retry    payment.RetryPolicy
	Log      zerolog.Logger

	// StaleAfter is how long a payout may sit in settling before it is
	// flagged for an operator.
	StaleAfter time.Duration
}

func NewSettlementService(db *gorm.DB, payments payment.Provider, retry payment.RetryPolicy, log zerolog.Logger) *SettlementService {
	log = log.With().Str("component", "settlement").Logger()
	retry.Log = log
	return &SettlementService{DB: db, Payments: payments, Retry: retry, Log: log, StaleAfter: 15 * time.Minute}
}

// SettleMatch settles every unsettled payout of one match. The returned
// error reports whether any payout was left unsettled.
func (s *SettlementService) SettleMatch(ctx context.Context, matchID string) error {
	var rows []models.PendingPayout
	if err := s.DB.WithContext(ctx).Where("match_id = ? AND status = ?", matchID, models.SettlementUnsettled).
		Order("kind, player_id").Find(&rows).Error; err != nil {
		return eris.Wrap(err, "failed to load payouts")
	}
	return s.settleAll(ctx, rows)
}

// SettlePending flags stale claims, then retries every unsettled payout,
// oldest first.
func (s *SettlementService) SettlePending(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = 100
	}
	if _, err := s.FlagStale(ctx); err != nil {
		s.Log.Error().Err(err).Msg("failed to flag stale payouts")
	}
	var rows []models.PendingPayout
	if err := s.DB.WithContext(ctx).Where("status = ?", models.SettlementUnsettled).
		Order("created_at").Limit(limit).Find(&rows).Error; err != nil {
		return eris.Wrap(err, "failed to load payouts")
	}
	return s.settleAll(ctx, rows)
}

func (s *SettlementService) settleAll(ctx context.Context, rows []models.PendingPayout) error {
	var failed int
	for i := range rows {
		if err := s.Settle(ctx, &rows[i]); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return eris.Errorf("%d of %d payouts not settled", failed, len(rows))
	}
	return nil
}

// Settle claims one payout and calls the wallet. A payout claimed by
// another worker is skipped without error.
func (s *SettlementService) Settle(ctx context.Context, p *models.PendingPayout) error {
	claim := s.DB.WithContext(ctx).Model(&models.PendingPayout{}).
		Where("id = ? AND status = ?", p.ID, models.SettlementUnsettled).
		Update("status", models.SettlementSettling)
	if claim.Error != nil {
		return eris.Wrap(claim.Error, "failed to claim payout")
	}
	if claim.RowsAffected != 1 {
		return nil
	}

	log := s.Log.With().Str("payout_id", p.ID).Str("match_id", p.MatchID).
		Str("player_id", p.PlayerID).Str("kind", string(p.Kind)).Logger()

	req := payment.Request{
		PlayerID:  p.PlayerID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Reference: "payout:" + p.ID,
	}
	receipt, attempts, err := s.Retry.Do(ctx, "settle", func(ctx context.Context) (payment.Receipt, error) {
		return s.Payments.Settle(ctx, req)
	})

	// The claim must be released even when the caller's context is done.
	db := s.DB.WithContext(context.WithoutCancel(ctx))
	if err != nil {
		status := models.SettlementUnsettled
		if payment.KindOf(err) == payment.KindPermanent {
			status = models.SettlementFailed
		}
		if uerr := db.Model(&models.PendingPayout{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
			"status":     status,
			"attempts":   gorm.Expr("attempts + ?", attempts),
			"last_error": err.Error(),
		}).Error; uerr != nil {
			log.Error().Err(uerr).Msg("failed to record settlement failure")
		}
		p.Status = status
		log.Warn().Err(err).Int("attempts", attempts).Str("status", string(status)).Msg("payout not settled")
		return err
	}

	settledAt := s.clock().Now().UTC()
	if uerr := db.Model(&models.PendingPayout{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"status":     models.SettlementSettled,
		"attempts":   gorm.Expr("attempts + ?", attempts),
		"tx_id":      receipt.TxID,
		"last_error": "",
		"settled_at": settledAt,
	}).Error; uerr != nil {
		// Paid but not recorded: leave it settling so no retry pays twice.
		log.Error().Err(uerr).Str("tx_id", receipt.TxID).Msg("payout settled but not recorded")
		return eris.Wrap(uerr, "failed to record settlement")
	}
	p.Status = models.SettlementSettled
	p.TxID = receipt.TxID
	log.Info().Str("amount", p.Amount.String()).Str("tx_id", receipt.TxID).Int("attempts", attempts).Msg("payout settled")
	return nil
}

func (s *SettlementService) clock() clockwork.Clock {
	if s.Retry.Clock == nil {
		return clockwork.NewRealClock()
	}
	return s.Retry.Clock
}

// FlagStale marks payouts left in settling for longer than StaleAfter as
// needing intervention. They are never retried automatically.
func (s *SettlementService) FlagStale(ctx context.Context) (int, error) {
	if s.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Now().UTC().Add(-s.StaleAfter)
	var rows []models.PendingPayout
	if err := s.DB.WithContext(ctx).
		Where("status = ? AND needs_intervention = ? AND updated_at < ?", models.SettlementSettling, false, cutoff).
		Find(&rows).Error; err != nil {
		return 0, eris.Wrap(err, "failed to load stale payouts")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, len(rows))
	for i, p := range rows {
		ids[i] = p.ID
		s.Log.Error().Str("payout_id", p.ID).Str("match_id", p.MatchID).Str("player_id", p.PlayerID).
			Str("amount", p.Amount.String()).Time("claimed_at", p.UpdatedAt).
			Msg("payout stuck in settling, needs intervention")
	}
	if err := s.DB.WithContext(ctx).Model(&models.PendingPayout{}).Where("id IN ?", ids).
		UpdateColumn("needs_intervention", true).Error; err != nil {
		return 0, eris.Wrap(err, "failed to flag stale payouts")
	}
	return len(rows), nil
}

// ListPayouts returns the payouts recorded for a match.
func (s *SettlementService) ListPayouts(ctx context.Context, matchID string) ([]models.PendingPayout, error) {
	var rows []models.PendingPayout
	if err := s.DB.WithContext(ctx).Where("match_id = ?", matchID).
		Order("kind, player_id").Find(&rows).Error; err != nil {
		return nil, eris.Wrap(err, "failed to list payouts")
	}
	return rows, nil
}
