package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"coin-clash/config"
	"coin-clash/models"
	"coin-clash/payment"
	"coin-clash/payout"
	"coin-clash/scenarios"
	"coin-clash/scheduler"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settler hands payouts of a finished or cancelled match to the wallet.
type Settler interface {
	SettleMatch(ctx context.Context, matchID string) error
}

// LobbyService owns the match state machine: lobby creation, joins, start
// conditions, the hand-off to the engine and finalization.
type LobbyService struct {
	DB         *gorm.DB
	Scheduler  *scheduler.Scheduler
	Catalog    *scenarios.Catalog
	Payments   payment.Provider
	Settlement Settler
	Game       config.Game
	Clock      clockwork.Clock
	Log        zerolog.Logger

	// Seed picks the RNG seed for a match run.
	Seed          func(matchID string) uint64
	ChargeTimeout time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewLobbyService(db *gorm.DB, sched *scheduler.Scheduler, catalog *scenarios.Catalog, payments payment.Provider, settlement Settler, game config.Game, log zerolog.Logger) *LobbyService {
	base, stop := context.WithCancel(context.Background())
	return &LobbyService{
		DB:            db,
		Scheduler:     sched,
		Catalog:       catalog,
		Payments:      payments,
		Settlement:    settlement,
		Game:          game,
		Clock:         sched.Clock(),
		Log:           log.With().Str("component", "lobby").Logger(),
		Seed:          func(string) uint64 { return rand.Uint64() },
		ChargeTimeout: 10 * time.Second,
		running:       map[string]context.CancelFunc{},
		base:          base,
		stop:          stop,
	}
}

func countdownTaskID(matchID string) string {
	return "countdown:" + matchID
}

func (s *LobbyService) now() time.Time {
	return s.Clock.Now().UTC()
}

type CreateLobbyParams struct {
	Name                   string           `json:"name"`
	EntryFee               decimal.Decimal  `json:"entry_fee"`
	KillAwardRate          *decimal.Decimal `json:"kill_award_rate"`
	MinPlayers             int              `json:"min_players"`
	MaxCharacters          int              `json:"max_characters"`
	MaxCharactersPerPlayer int              `json:"max_characters_per_player"`
	CountdownSeconds       int              `json:"countdown_seconds"`
	// PaymentRef identifies the listing fee charge, when one is configured.
	PaymentRef string `json:"payment_ref"`
}

func (s *LobbyService) validateLobby(creatorID string, p *CreateLobbyParams) error {
	g := s.Game
	if creatorID == "" {
		return invalid("creator_id", "required")
	}
	if len(p.Name) > 64 {
		return invalid("name", "at most 64 characters")
	}
	if p.EntryFee.LessThan(g.EntryFeeMin) || p.EntryFee.GreaterThan(g.EntryFeeMax) {
		return invalid("entry_fee", "must be within [%s, %s]", g.EntryFeeMin, g.EntryFeeMax)
	}
	if p.KillAwardRate == nil {
		rate := g.KillAwardRateDefault
		p.KillAwardRate = &rate
	}
	if p.KillAwardRate.LessThan(g.KillAwardRateMin) || p.KillAwardRate.GreaterThan(g.KillAwardRateMax) {
		return invalid("kill_award_rate", "must be within [%s, %s]", g.KillAwardRateMin, g.KillAwardRateMax)
	}
	if p.MinPlayers < g.MinPlayersLow || p.MinPlayers > g.MinPlayersHigh {
		return invalid("min_players", "must be within [%d, %d]", g.MinPlayersLow, g.MinPlayersHigh)
	}
	if p.MaxCharactersPerPlayer < g.CharsPerPlayerLow || p.MaxCharactersPerPlayer > g.CharsPerPlayerHigh {
		return invalid("max_characters_per_player", "must be within [%d, %d]", g.CharsPerPlayerLow, g.CharsPerPlayerHigh)
	}
	if p.MaxCharacters < p.MinPlayers {
		return invalid("max_characters", "must be >= min_players (%d)", p.MinPlayers)
	}
	if p.MaxCharacters > g.MaxCharactersCap {
		return invalid("max_characters", "must be <= %d", g.MaxCharactersCap)
	}
	if p.CountdownSeconds == 0 {
		p.CountdownSeconds = int(g.CountdownDefault / time.Second)
	}
	countdown := time.Duration(p.CountdownSeconds) * time.Second
	if countdown < g.CountdownMin || countdown > g.CountdownMax {
		return invalid("countdown_seconds", "must be within [%d, %d]", int(g.CountdownMin/time.Second), int(g.CountdownMax/time.Second))
	}
	return nil
}

// CreateLobby validates the parameters, charges the listing fee if one is
// configured and opens a new lobby.
func (s *LobbyService) CreateLobby(ctx context.Context, creatorID string, p CreateLobbyParams) (*models.Match, error) {
	if err := s.validateLobby(creatorID, &p); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "Lobby " + id[:8]
	}

	match := models.Match{
		ID:                     id,
		Name:                   name,
		Slug:                   slug.Make(name) + "-" + id[:8],
		CreatorID:              creatorID,
		EntryFee:               p.EntryFee,
		KillAwardRate:          *p.KillAwardRate,
		Currency:               s.Game.Currency,
		MinPlayers:             p.MinPlayers,
		MaxCharacters:          p.MaxCharacters,
		MaxCharactersPerPlayer: p.MaxCharactersPerPlayer,
		FeeTiers:               s.Game.FeeTiers.String(),
		CountdownSeconds:       p.CountdownSeconds,
		RoundDelayMinMS:        s.Game.RoundDelayMin.Milliseconds(),
		RoundDelayMaxMS:        s.Game.RoundDelayMax.Milliseconds(),
		Status:                 models.MatchPending,
	}
	if !s.Game.RoundDelayEnabled {
		match.RoundDelayMinMS, match.RoundDelayMaxMS = 0, 0
	}

	if s.Game.ListingFee.IsPositive() {
		ref := p.PaymentRef
		if ref == "" {
			ref = "listing:" + id
		}
		chargeCtx, cancel := context.WithTimeout(ctx, s.ChargeTimeout)
		receipt, err := s.Payments.Charge(chargeCtx, payment.Request{
			PlayerID:  creatorID,
			Amount:    s.Game.ListingFee,
			Currency:  s.Game.Currency,
			Reference: ref,
		})
		cancel()
		if err != nil {
			s.Log.Warn().Err(err).Str("creator_id", creatorID).Msg("listing fee charge failed")
			return nil, err
		}
		match.ListingFeeTxID = receipt.TxID
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&match).Error; err != nil {
			return eris.Wrap(err, "failed to create match")
		}
		return transition(tx, &match, models.MatchPending, models.MatchFilling, nil)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().Str("match_id", match.ID).Str("creator_id", creatorID).
		Str("entry_fee", match.EntryFee.String()).Int("min_players", match.MinPlayers).
		Int("max_characters", match.MaxCharacters).Msg("lobby opened")
	return &match, nil
}

// transition moves the match along one state machine edge with a
// conditional update, so a concurrent transition makes it a no-op.
func transition(tx *gorm.DB, m *models.Match, from, to models.MatchStatus, extra map[string]interface{}) error {
	if !from.CanTransition(to) {
		return eris.Errorf("illegal match transition %s -> %s", from, to)
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.Match{}).Where("id = ? AND status = ?", m.ID, from).Updates(updates)
	if res.Error != nil {
		return eris.Wrapf(res.Error, "failed to move match %s to %s", m.ID, to)
	}
	if res.RowsAffected != 1 {
		return conflict("match %s is no longer %s", m.ID, from)
	}
	m.Status = to
	return nil
}

type startDecision struct {
	countdownAt *time.Time
	launch      bool
}

// JoinMatch adds the player's characters to a filling lobby. Validation,
// the fee charge, participant creation and the start condition check happen
// in one transaction holding the match row lock.
func (s *LobbyService) JoinMatch(ctx context.Context, matchID, playerID string, characterIDs []string, paymentRef string) (*models.JoinRequest, error) {
	if playerID == "" {
		return nil, invalid("player_id", "required")
	}
	if len(characterIDs) == 0 {
		return nil, invalid("character_ids", "at least one character is required")
	}
	seen := map[string]bool{}
	for _, id := range characterIDs {
		if id == "" {
			return nil, invalid("character_ids", "empty character id")
		}
		if seen[id] {
			return nil, invalid("character_ids", "character %s listed twice", id)
		}
		seen[id] = true
	}
	if paymentRef == "" {
		paymentRef = "join:" + uuid.NewString()
	}

	var (
		match    models.Match
		jr       models.JoinRequest
		decision startDecision
		quote    joinQuote
		charged  *payment.Receipt
		payErr   error
	)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", matchID).First(&match).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Entity: "match", ID: matchID}
			}
			return eris.Wrap(err, "failed to lock match")
		}
		if match.Status != models.MatchFilling {
			return conflict("match %s is %s, not open for joins", matchID, match.Status)
		}

		chars, err := s.lockCharacters(tx, playerID, characterIDs)
		if err != nil {
			return err
		}

		quote, err = s.quoteJoin(tx, &match, playerID, len(chars))
		if err != nil {
			return err
		}

		chargeCtx, cancel := context.WithTimeout(ctx, s.ChargeTimeout)
		receipt, err := s.Payments.Charge(chargeCtx, payment.Request{
			PlayerID:  playerID,
			Amount:    quote.total,
			Currency:  match.Currency,
			Reference: paymentRef,
		})
		cancel()
		if err != nil {
			payErr = err
			return err
		}
		charged = &receipt

		jr = models.JoinRequest{
			ID:              uuid.NewString(),
			MatchID:         matchID,
			PlayerID:        playerID,
			CharacterIDs:    models.IDList(characterIDs),
			CharacterCount:  len(chars),
			TotalFee:        quote.total,
			FeeTier:         quote.tier.MinCount,
			ProtocolFeeRate: quote.tier.Percent,
			ProtocolFee:     quote.protocolFee,
			Status:          models.JoinConfirmed,
			PaymentRef:      paymentRef,
			PaymentTxID:     receipt.TxID,
		}
		if err := tx.Create(&jr).Error; err != nil {
			return eris.Wrap(err, "failed to record join request")
		}

		for i, c := range chars {
			claim := tx.Model(&models.OwnedCharacter{}).
				Where("id = ? AND active_match_id IS NULL", c.ID).
				Update("active_match_id", matchID)
			if claim.Error != nil {
				return eris.Wrapf(claim.Error, "failed to claim character %s", c.ID)
			}
			if claim.RowsAffected != 1 {
				return conflict("character %s is already entered in another match", c.ID)
			}
			p := models.MatchParticipant{
				ID:            uuid.NewString(),
				MatchID:       matchID,
				CharacterID:   c.ID,
				PlayerID:      playerID,
				JoinRequestID: jr.ID,
				Name:          c.Name,
				EntryOrder:    quote.lastOrder + i + 1,
				Alive:         true,
			}
			if err := tx.Create(&p).Error; err != nil {
				return eris.Wrap(err, "failed to create participant")
			}
		}

		decision, err = s.checkStartConditions(tx, &match)
		return err
	})

	if err != nil {
		if payErr != nil {
			s.recordFailedJoin(matchID, playerID, characterIDs, quote, paymentRef, nil, payErr)
			s.Log.Warn().Err(payErr).Str("match_id", matchID).Str("player_id", playerID).
				Str("kind", string(payment.KindOf(payErr))).Msg("join payment failed")
			return nil, payErr
		}
		if charged != nil {
			s.Log.Error().Err(err).Str("match_id", matchID).Str("player_id", playerID).
				Str("tx_id", charged.TxID).Msg("join rolled back after charge, queueing refund")
			s.recordFailedJoin(matchID, playerID, characterIDs, quote, paymentRef, charged, err)
		}
		return nil, err
	}

	s.Log.Info().Str("match_id", matchID).Str("player_id", playerID).Int("characters", jr.CharacterCount).
		Str("total_fee", jr.TotalFee.String()).Str("protocol_fee", jr.ProtocolFee.String()).Msg("join confirmed")

	s.applyDecision(matchID, decision)
	return &jr, nil
}

// lockCharacters locks the requested characters in id order and checks they
// can enter a match.
func (s *LobbyService) lockCharacters(tx *gorm.DB, playerID string, ids []string) ([]models.OwnedCharacter, error) {
	var chars []models.OwnedCharacter
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).Order("id").Find(&chars).Error; err != nil {
		return nil, eris.Wrap(err, "failed to lock characters")
	}

	found := make(map[string]bool, len(chars))
	for _, c := range chars {
		found[c.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, invalid("character_ids", "character %s does not exist", id)
		}
	}

	for _, c := range chars {
		if c.PlayerID != playerID {
			return nil, invalid("character_ids", "character %s is not owned by player", c.ID)
		}
		if !c.Alive {
			return nil, invalid("character_ids", "character %s is dead", c.ID)
		}
		if c.ActiveMatchID != nil {
			return nil, conflict("character %s is already entered in match %s", c.ID, *c.ActiveMatchID)
		}
	}
	return chars, nil
}

type joinQuote struct {
	total       decimal.Decimal
	tier        payout.Tier
	protocolFee decimal.Decimal
	lastOrder   int
}

func (s *LobbyService) quoteJoin(tx *gorm.DB, match *models.Match, playerID string, n int) (joinQuote, error) {
	var mine, total int64
	if err := tx.Model(&models.MatchParticipant{}).
		Where("match_id = ? AND player_id = ?", match.ID, playerID).Count(&mine).Error; err != nil {
		return joinQuote{}, eris.Wrap(err, "failed to count player participants")
	}
	if err := tx.Model(&models.MatchParticipant{}).
		Where("match_id = ?", match.ID).Count(&total).Error; err != nil {
		return joinQuote{}, eris.Wrap(err, "failed to count participants")
	}
	if int(mine)+n > match.MaxCharactersPerPlayer {
		return joinQuote{}, invalid("character_ids", "player would have %d characters, max_characters_per_player is %d", int(mine)+n, match.MaxCharactersPerPlayer)
	}
	if int(total)+n > match.MaxCharacters {
		return joinQuote{}, invalid("character_ids", "match would have %d participants, max_characters is %d", int(total)+n, match.MaxCharacters)
	}

	var lastOrder int
	if err := tx.Model(&models.MatchParticipant{}).Where("match_id = ?", match.ID).
		Select("COALESCE(MAX(entry_order), 0)").Scan(&lastOrder).Error; err != nil {
		return joinQuote{}, eris.Wrap(err, "failed to read entry order")
	}

	tiers, err := payout.ParseTierTable(match.FeeTiers)
	if err != nil {
		return joinQuote{}, eris.Wrapf(err, "match %s has a corrupt fee tier table", match.ID)
	}
	amount := match.EntryFee.Mul(decimal.NewFromInt(int64(n)))
	cumulative := int(mine) + n
	return joinQuote{
		total:       amount,
		tier:        tiers.Tier(cumulative),
		protocolFee: tiers.Fee(amount, cumulative),
		lastOrder:   lastOrder,
	}, nil
}

// checkStartConditions runs inside the join transaction. A full lobby is
// promoted at once; reaching min_players starts the countdown exactly once.
func (s *LobbyService) checkStartConditions(tx *gorm.DB, match *models.Match) (startDecision, error) {
	var players, participants int64
	if err := tx.Model(&models.MatchParticipant{}).Where("match_id = ?", match.ID).
		Distinct("player_id").Count(&players).Error; err != nil {
		return startDecision{}, eris.Wrap(err, "failed to count players")
	}
	if err := tx.Model(&models.MatchParticipant{}).Where("match_id = ?", match.ID).
		Count(&participants).Error; err != nil {
		return startDecision{}, eris.Wrap(err, "failed to count participants")
	}

	now := s.now()
	if int(participants) >= match.MaxCharacters {
		if err := transition(tx, match, models.MatchFilling, models.MatchActive, map[string]interface{}{"started_at": now}); err != nil {
			return startDecision{}, err
		}
		return startDecision{launch: true}, nil
	}

	if int(players) >= match.MinPlayers && match.CountdownDeadline == nil {
		deadline := now.Add(time.Duration(match.CountdownSeconds) * time.Second)
		if err := tx.Model(&models.Match{}).Where("id = ? AND countdown_deadline IS NULL", match.ID).
			Update("countdown_deadline", deadline).Error; err != nil {
			return startDecision{}, eris.Wrap(err, "failed to start countdown")
		}
		match.CountdownDeadline = &deadline
		return startDecision{countdownAt: &deadline}, nil
	}
	return startDecision{}, nil
}

func (s *LobbyService) applyDecision(matchID string, d startDecision) {
	switch {
	case d.launch:
		s.Scheduler.Cancel(countdownTaskID(matchID))
		s.Log.Info().Str("match_id", matchID).Msg("lobby full, starting immediately")
		s.launch(matchID)
	case d.countdownAt != nil:
		s.scheduleCountdown(matchID, *d.countdownAt)
		s.Log.Info().Str("match_id", matchID).Time("deadline", *d.countdownAt).Msg("countdown started")
	}
}

func (s *LobbyService) scheduleCountdown(matchID string, at time.Time) {
	s.Scheduler.Schedule(countdownTaskID(matchID), at, func(ctx context.Context) error {
		if ctx.Err() != nil {
			return nil
		}
		_, err := s.PromoteToActive(ctx, matchID)
		return err
	})
}

func (s *LobbyService) recordFailedJoin(matchID, playerID string, characterIDs []string, q joinQuote, ref string, receipt *payment.Receipt, cause error) {
	jr := models.JoinRequest{
		ID:             uuid.NewString(),
		MatchID:        matchID,
		PlayerID:       playerID,
		CharacterIDs:   models.IDList(characterIDs),
		CharacterCount: len(characterIDs),
		TotalFee:       q.total,
		FeeTier:        q.tier.MinCount,
		ProtocolFee:    decimal.Zero,
		Status:         models.JoinFailed,
		PaymentRef:     ref,
		FailureKind:    string(payment.KindOf(cause)),
		FailureReason:  cause.Error(),
	}
	if receipt == nil {
		if err := s.DB.Create(&jr).Error; err != nil {
			s.Log.Error().Err(err).Str("match_id", matchID).Msg("failed to record failed join")
		}
		return
	}

	// The charge went through but nothing was committed: hand the money back.
	jr.PaymentTxID = receipt.TxID
	jr.FailureKind = "rollback"
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var match models.Match
		if err := tx.Select("currency").Where("id = ?", matchID).First(&match).Error; err != nil {
			return eris.Wrap(err, "failed to read match currency")
		}
		if err := tx.Create(&jr).Error; err != nil {
			return eris.Wrap(err, "failed to record failed join")
		}
		refund := models.PendingPayout{
			ID:       uuid.NewString(),
			MatchID:  matchID,
			PlayerID: playerID,
			Kind:     models.PayoutRefund,
			SourceID: jr.ID,
			Amount:   q.total,
			Currency: match.Currency,
			Status:   models.SettlementUnsettled,
		}
		if err := tx.Create(&refund).Error; err != nil {
			return eris.Wrap(err, "failed to queue join refund")
		}
		return nil
	})
	if err != nil {
		s.Log.Error().Err(err).Str("match_id", matchID).Str("player_id", playerID).
			Str("tx_id", receipt.TxID).Str("amount", q.total.String()).Msg("join charged but refund not queued")
		return
	}
	s.settleAsync(matchID)
}

// PromoteToActive moves a filling match to active and starts its engine. It
// is a no-op, returning false, when the match is not filling.
func (s *LobbyService) PromoteToActive(ctx context.Context, matchID string) (bool, error) {
	m := models.Match{ID: matchID}
	err := transition(s.DB.WithContext(ctx), &m, models.MatchFilling, models.MatchActive, map[string]interface{}{"started_at": s.now()})
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.Scheduler.Cancel(countdownTaskID(matchID))
	s.Log.Info().Str("match_id", matchID).Msg("match promoted to active")
	s.launch(matchID)
	return true, nil
}

// CancelMatch closes a filling lobby, releases its characters and queues a
// refund for every player. requesterID must be the creator unless empty.
func (s *LobbyService) CancelMatch(ctx context.Context, matchID, requesterID string) error {
	var refunds []models.PendingPayout
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var match models.Match
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", matchID).First(&match).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Entity: "match", ID: matchID}
			}
			return eris.Wrap(err, "failed to lock match")
		}
		if requesterID != "" && requesterID != match.CreatorID {
			return &ForbiddenError{Reason: "only the creator can cancel a lobby"}
		}
		if match.Status != models.MatchFilling {
			return conflict("match %s is %s and cannot be cancelled", matchID, match.Status)
		}

		if err := transition(tx, &match, models.MatchFilling, models.MatchCancelled, map[string]interface{}{"ended_at": s.now()}); err != nil {
			return err
		}
		if err := releaseCharacters(tx, matchID); err != nil {
			return err
		}

		var joins []models.JoinRequest
		if err := tx.Where("match_id = ? AND status = ?", matchID, models.JoinConfirmed).
			Order("created_at").Find(&joins).Error; err != nil {
			return eris.Wrap(err, "failed to load join requests")
		}
		owed := map[string]decimal.Decimal{}
		for _, j := range joins {
			owed[j.PlayerID] = owed[j.PlayerID].Add(j.TotalFee)
		}
		players := make([]string, 0, len(owed))
		for p := range owed {
			players = append(players, p)
		}
		sort.Strings(players)
		for _, p := range players {
			refunds = append(refunds, models.PendingPayout{
				ID:       uuid.NewString(),
				MatchID:  matchID,
				PlayerID: p,
				Kind:     models.PayoutRefund,
				Amount:   owed[p],
				Currency: match.Currency,
				Status:   models.SettlementUnsettled,
			})
		}
		if len(refunds) > 0 {
			if err := tx.Create(&refunds).Error; err != nil {
				return eris.Wrap(err, "failed to queue refunds")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Scheduler.Cancel(countdownTaskID(matchID))
	s.Log.Info().Str("match_id", matchID).Int("refunds", len(refunds)).Msg("lobby cancelled")
	if len(refunds) > 0 {
		s.settleAsync(matchID)
	}
	return nil
}

func releaseCharacters(tx *gorm.DB, matchID string) error {
	if err := tx.Model(&models.OwnedCharacter{}).Where("active_match_id = ?", matchID).
		Update("active_match_id", nil).Error; err != nil {
		return eris.Wrapf(err, "failed to release characters of match %s", matchID)
	}
	return nil
}

// AbortMatch stops a running simulation. The match ends up failed.
func (s *LobbyService) AbortMatch(ctx context.Context, matchID string) error {
	s.mu.Lock()
	cancel, running := s.running[matchID]
	s.mu.Unlock()
	if running {
		s.Log.Warn().Str("match_id", matchID).Msg("aborting match")
		cancel()
		return nil
	}

	var match models.Match
	if err := s.DB.WithContext(ctx).Where("id = ?", matchID).First(&match).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Entity: "match", ID: matchID}
		}
		return eris.Wrap(err, "failed to load match")
	}
	if match.Status != models.MatchActive {
		return conflict("match %s is %s, only active matches can be aborted", matchID, match.Status)
	}
	// Active in storage but not running here: left over from another process.
	return s.finalizeFailure(matchID, nil, eris.New("aborted by operator"))
}

func (s *LobbyService) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	var match models.Match
	if err := s.DB.WithContext(ctx).Where("id = ?", matchID).First(&match).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "match", ID: matchID}
		}
		return nil, eris.Wrap(err, "failed to load match")
	}
	if err := s.DB.WithContext(ctx).Model(&models.MatchParticipant{}).
		Where("match_id = ?", matchID).Count(&match.ParticipantCount).Error; err != nil {
		return nil, eris.Wrap(err, "failed to count participants")
	}
	if err := s.DB.WithContext(ctx).Model(&models.MatchParticipant{}).
		Where("match_id = ?", matchID).Distinct("player_id").Count(&match.PlayerCount).Error; err != nil {
		return nil, eris.Wrap(err, "failed to count players")
	}
	return &match, nil
}

func (s *LobbyService) ListMatches(ctx context.Context, status models.MatchStatus, limit int) ([]models.Match, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := s.DB.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var matches []models.Match
	if err := q.Find(&matches).Error; err != nil {
		return nil, eris.Wrap(err, "failed to list matches")
	}
	return matches, nil
}

func (s *LobbyService) Participants(ctx context.Context, matchID string) ([]models.MatchParticipant, error) {
	var parts []models.MatchParticipant
	if err := s.DB.WithContext(ctx).Where("match_id = ?", matchID).
		Order("entry_order").Find(&parts).Error; err != nil {
		return nil, eris.Wrap(err, "failed to load participants")
	}
	return parts, nil
}

// Recover restores timers and flags orphaned runs after a restart.
func (s *LobbyService) Recover(ctx context.Context) error {
	var active []models.Match
	if err := s.DB.WithContext(ctx).Where("status = ?", models.MatchActive).Find(&active).Error; err != nil {
		return eris.Wrap(err, "failed to load active matches")
	}
	for _, m := range active {
		if s.isRunning(m.ID) {
			continue
		}
		if err := s.finalizeFailure(m.ID, nil, eris.New("process restarted during simulation")); err != nil {
			s.Log.Error().Err(err).Str("match_id", m.ID).Msg("failed to flag orphaned match")
		}
	}

	var filling []models.Match
	if err := s.DB.WithContext(ctx).Where("status = ? AND countdown_deadline IS NOT NULL", models.MatchFilling).
		Find(&filling).Error; err != nil {
		return eris.Wrap(err, "failed to load filling matches")
	}
	for _, m := range filling {
		s.scheduleCountdown(m.ID, *m.CountdownDeadline)
	}
	s.Log.Info().Int("orphaned", len(active)).Int("countdowns", len(filling)).Msg("lobby state recovered")
	return nil
}

// SweepOverdue promotes lobbies whose countdown passed without a queued
// task. It returns how many matches it promoted.
func (s *LobbyService) SweepOverdue(ctx context.Context) (int, error) {
	var overdue []models.Match
	if err := s.DB.WithContext(ctx).
		Where("status = ? AND countdown_deadline IS NOT NULL AND countdown_deadline <= ?", models.MatchFilling, s.now()).
		Find(&overdue).Error; err != nil {
		return 0, eris.Wrap(err, "failed to load overdue lobbies")
	}
	promoted := 0
	for _, m := range overdue {
		if s.Scheduler.Pending(countdownTaskID(m.ID)) {
			continue
		}
		ok, err := s.PromoteToActive(ctx, m.ID)
		if err != nil {
			s.Log.Error().Err(err).Str("match_id", m.ID).Msg("failed to promote overdue lobby")
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

func (s *LobbyService) isRunning(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[matchID]
	return ok
}

// launch runs the match engine on its own goroutine.
func (s *LobbyService) launch(matchID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.Log.Warn().Str("match_id", matchID).Msg("shutting down, match not started")
		return
	}
	if _, dup := s.running[matchID]; dup {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	s.running[matchID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, matchID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				err := eris.New(fmt.Sprintf("match runner panicked: %v", r))
				s.Log.Error().Err(err).Str("match_id", matchID).Msg("match runner crashed")
				if ferr := s.finalizeFailure(matchID, nil, err); ferr != nil {
					s.Log.Error().Err(ferr).Str("match_id", matchID).Msg("failed to flag crashed match")
				}
			}
		}()
		s.runMatch(ctx, matchID)
	}()
}

func (s *LobbyService) settleAsync(matchID string) {
	if s.Settlement == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.Settlement.SettleMatch(s.base, matchID); err != nil {
			s.Log.Error().Err(err).Str("match_id", matchID).Msg("settlement left payouts unsettled")
		}
	}()
}

// Wait blocks until every running match and settlement hand-off finished.
func (s *LobbyService) Wait() {
	s.wg.Wait()
}

// Shutdown aborts running matches and waits for them to be finalized.
func (s *LobbyService) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}
