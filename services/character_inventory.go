package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coin-clash/config"
	"coin-clash/models"
	"coin-clash/payment"

	"github.com/google/uuid"
	"github.com/gosimple/unidecode"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const characterNameSequence = "character_name"

// CharacterInventoryService sells, revives and lists the characters a player
// owns across matches.
type CharacterInventoryService struct {
	DB       *gorm.DB
	Payments payment.Provider
	Game     config.Game
	Log      zerolog.Logger
}

func NewCharacterInventoryService(db *gorm.DB, payments payment.Provider, game config.Game, log zerolog.Logger) *CharacterInventoryService {
	return &CharacterInventoryService{
		DB:       db,
		Payments: payments,
		Game:     game,
		Log:      log.With().Str("component", "inventory").Logger(),
	}
}

type PurchaseParams struct {
	Quantity int `json:"quantity"`
	// Names optionally overrides the generated names, one per character.
	Names      []string `json:"names"`
	PaymentRef string   `json:"payment_ref"`
}

// cleanName transliterates to ASCII and collapses whitespace.
func cleanName(name string) string {
	return strings.Join(strings.Fields(unidecode.Unidecode(name)), " ")
}

// Purchase charges quantity × character price and mints the characters.
func (s *CharacterInventoryService) Purchase(ctx context.Context, playerID string, p PurchaseParams) ([]models.OwnedCharacter, error) {
	if playerID == "" {
		return nil, invalid("player_id", "required")
	}
	if p.Quantity < 1 || p.Quantity > s.Game.MaxPurchase {
		return nil, invalid("quantity", "must be within [1, %d]", s.Game.MaxPurchase)
	}
	if len(p.Names) > p.Quantity {
		return nil, invalid("names", "more names than characters")
	}
	names := make([]string, len(p.Names))
	for i, n := range p.Names {
		names[i] = cleanName(n)
		if len(names[i]) > 32 {
			return nil, invalid("names", "name %q is longer than 32 characters", n)
		}
	}
	if p.PaymentRef == "" {
		p.PaymentRef = "purchase:" + uuid.NewString()
	}

	var chars []models.OwnedCharacter
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextSequence(tx, characterNameSequence, p.Quantity)
		if err != nil {
			return err
		}

		for i := 0; i < p.Quantity; i++ {
			name := fmt.Sprintf("Contender #%d", next+int64(i))
			if i < len(names) && names[i] != "" {
				name = names[i]
			}
			chars = append(chars, models.OwnedCharacter{
				ID:       uuid.NewString(),
				PlayerID: playerID,
				Name:     name,
				Alive:    true,
			})
		}
		if err := tx.Create(&chars).Error; err != nil {
			return eris.Wrap(err, "failed to create characters")
		}

		amount := s.Game.CharacterPrice.Mul(decimal.NewFromInt(int64(p.Quantity)))
		if amount.IsPositive() {
			if _, err := s.Payments.Charge(ctx, payment.Request{
				PlayerID:  playerID,
				Amount:    amount,
				Currency:  s.Game.Currency,
				Reference: p.PaymentRef,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.Log.Warn().Err(err).Str("player_id", playerID).Int("quantity", p.Quantity).Msg("purchase failed")
		return nil, err
	}

	s.Log.Info().Str("player_id", playerID).Int("quantity", p.Quantity).Msg("characters purchased")
	return chars, nil
}

// nextSequence reserves n values of a named counter and returns the first.
func nextSequence(tx *gorm.DB, name string, n int) (int64, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": gorm.Expr("sequences.value + ?", n)}),
	}).Create(&models.Sequence{Name: name, Value: int64(n)}).Error
	if err != nil {
		return 0, eris.Wrapf(err, "failed to advance sequence %s", name)
	}
	var seq models.Sequence
	if err := tx.Where("name = ?", name).First(&seq).Error; err != nil {
		return 0, eris.Wrapf(err, "failed to read sequence %s", name)
	}
	return seq.Value - int64(n) + 1, nil
}

// Revive charges the revival fee and brings a dead character back.
func (s *CharacterInventoryService) Revive(ctx context.Context, playerID, characterID, paymentRef string) (*models.OwnedCharacter, error) {
	if paymentRef == "" {
		paymentRef = "revive:" + uuid.NewString()
	}

	var char models.OwnedCharacter
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", characterID).First(&char).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Entity: "character", ID: characterID}
			}
			return eris.Wrap(err, "failed to lock character")
		}
		if char.PlayerID != playerID {
			return &ForbiddenError{Reason: "character is owned by another player"}
		}
		if char.Alive {
			return conflict("character %s is alive", characterID)
		}
		if char.ActiveMatchID != nil {
			return conflict("character %s is entered in match %s", characterID, *char.ActiveMatchID)
		}

		if s.Game.RevivalFee.IsPositive() {
			if _, err := s.Payments.Charge(ctx, payment.Request{
				PlayerID:  playerID,
				Amount:    s.Game.RevivalFee,
				Currency:  s.Game.Currency,
				Reference: paymentRef,
			}); err != nil {
				return err
			}
		}

		if err := tx.Model(&char).Updates(map[string]interface{}{
			"alive":         true,
			"revival_count": gorm.Expr("revival_count + 1"),
		}).Error; err != nil {
			return eris.Wrap(err, "failed to revive character")
		}
		char.Alive = true
		char.RevivalCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().Str("player_id", playerID).Str("character_id", characterID).
		Int("revival_count", char.RevivalCount).Msg("character revived")
	return &char, nil
}

// List returns the player's characters, optionally filtered by liveness.
func (s *CharacterInventoryService) List(ctx context.Context, playerID string, alive *bool) ([]models.OwnedCharacter, error) {
	q := s.DB.WithContext(ctx).Where("player_id = ?", playerID).Order("created_at, id")
	if alive != nil {
		q = q.Where("alive = ?", *alive)
	}
	var chars []models.OwnedCharacter
	if err := q.Find(&chars).Error; err != nil {
		return nil, eris.Wrap(err, "failed to list characters")
	}
	return chars, nil
}
