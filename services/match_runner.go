package services

import (
	"context"
	"sort"
	"strconv"
	"time"

	"coin-clash/engine"
	"coin-clash/models"
	"coin-clash/payout"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// engineConfig merges the game rules with the pacing snapshot of the match.
func (s *LobbyService) engineConfig(m *models.Match) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.RoundDelayEnabled = m.RoundDelayMaxMS > 0
	cfg.RoundDelayMin = time.Duration(m.RoundDelayMinMS) * time.Millisecond
	cfg.RoundDelayMax = time.Duration(m.RoundDelayMaxMS) * time.Millisecond
	cfg.MaxRounds = s.Game.MaxRounds
	cfg.StoryChance = s.Game.StoryChance
	cfg.ExtraLethalChance = s.Game.ExtraLethalChance
	cfg.LethalBonusOver8 = s.Game.LethalBonusOver8
	cfg.LethalBonusOver12 = s.Game.LethalBonusOver12
	cfg.ComebackChance = s.Game.ComebackChance
	return cfg
}

func (s *LobbyService) runMatch(ctx context.Context, matchID string) {
	log := s.Log.With().Str("match_id", matchID).Logger()

	var match models.Match
	if err := s.DB.Where("id = ?", matchID).First(&match).Error; err != nil {
		log.Error().Err(err).Msg("failed to load match for run")
		s.failRun(matchID, nil, eris.Wrap(err, "failed to load match"))
		return
	}
	var parts []models.MatchParticipant
	if err := s.DB.Where("match_id = ?", matchID).Order("entry_order").Find(&parts).Error; err != nil {
		s.failRun(matchID, nil, eris.Wrap(err, "failed to load participants"))
		return
	}

	seed := s.Seed(matchID)
	if err := s.DB.Model(&models.Match{}).Where("id = ?", matchID).
		Update("seed", strconv.FormatUint(seed, 10)).Error; err != nil {
		s.failRun(matchID, nil, eris.Wrap(err, "failed to store seed"))
		return
	}

	roster := make([]engine.Participant, len(parts))
	for i, p := range parts {
		roster[i] = engine.Participant{ID: p.ID, PlayerID: p.PlayerID, Name: p.Name}
	}

	eng := engine.New(matchID, s.Catalog, s.engineConfig(&match),
		engine.WithSeed(seed),
		engine.WithClock(s.Clock),
		engine.WithLogger(s.Log),
		engine.WithSink(engine.SinkFunc(func(ctx context.Context, ev engine.Event) error {
			return s.persistEvent(matchID, ev)
		})),
	)

	res, err := eng.Run(ctx, roster)
	if err != nil {
		s.failRun(matchID, res, err)
		return
	}
	if err := s.finalizeSuccess(matchID, res); err != nil {
		s.failRun(matchID, res, err)
		return
	}
	s.settleAsync(matchID)
}

func (s *LobbyService) failRun(matchID string, res *engine.Result, cause error) {
	if err := s.finalizeFailure(matchID, res, cause); err != nil {
		s.Log.Error().Err(err).Str("match_id", matchID).Msg("failed to mark match failed")
	}
}

func (s *LobbyService) persistEvent(matchID string, ev engine.Event) error {
	row := models.MatchEvent{
		ID:         uuid.NewString(),
		MatchID:    matchID,
		Seq:        ev.Seq,
		Round:      ev.Round,
		Kind:       string(ev.Kind),
		Category:   ev.Category,
		ScenarioID: ev.ScenarioID,
		Effect:     string(ev.Effect),
		Actors:     models.IDList(ev.Actors),
		KillerID:   ev.KillerID,
		Eliminated: models.IDList(ev.Eliminated),
		Revived:    models.IDList(ev.Revived),
		Text:       ev.Text,
		OccurredAt: ev.At,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		return eris.Wrapf(err, "failed to persist event %d", ev.Seq)
	}
	return nil
}

// killsFromLog recounts kill credit per participant from the persisted event
// log, which is the source of truth for kill awards.
func killsFromLog(events []models.MatchEvent) map[string]int {
	kills := map[string]int{}
	for _, ev := range events {
		if ev.KillerID != "" {
			kills[ev.KillerID] += len(ev.Eliminated)
		}
	}
	return kills
}

// finalizeSuccess records the outcome, syncs character state and queues the
// payouts in one transaction.
func (s *LobbyService) finalizeSuccess(matchID string, res *engine.Result) error {
	log := s.Log.With().Str("match_id", matchID).Logger()
	var result payout.Result

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var match models.Match
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", matchID).First(&match).Error; err != nil {
			return eris.Wrap(err, "failed to lock match")
		}
		if match.Status != models.MatchActive {
			return conflict("match %s is %s, cannot complete", matchID, match.Status)
		}

		var events []models.MatchEvent
		if err := tx.Where("match_id = ?", matchID).Order("seq").Find(&events).Error; err != nil {
			return eris.Wrap(err, "failed to load event log")
		}
		if len(events) != len(res.Events) {
			return eris.Wrapf(engine.ErrInvariant, "event log has %d rows, run produced %d", len(events), len(res.Events))
		}
		kills := killsFromLog(events)

		playerOf := make(map[string]string, len(res.Participants))
		for _, p := range res.Participants {
			playerOf[p.ID] = p.PlayerID
			if kills[p.ID] != p.Kills {
				log.Warn().Str("participant_id", p.ID).Int("live", p.Kills).Int("logged", kills[p.ID]).
					Msg("kill counter disagrees with event log, using log")
			}
			if err := tx.Model(&models.MatchParticipant{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
				"alive":             p.Alive,
				"elimination_round": p.EliminationRound,
				"kills":             kills[p.ID],
			}).Error; err != nil {
				return eris.Wrapf(err, "failed to update participant %s", p.ID)
			}
		}

		var parts []models.MatchParticipant
		if err := tx.Where("match_id = ?", matchID).Find(&parts).Error; err != nil {
			return eris.Wrap(err, "failed to load participants")
		}
		for _, p := range parts {
			if err := tx.Model(&models.OwnedCharacter{}).Where("id = ?", p.CharacterID).Updates(map[string]interface{}{
				"alive":           p.Alive,
				"last_match_id":   matchID,
				"active_match_id": nil,
			}).Error; err != nil {
				return eris.Wrapf(err, "failed to sync character %s", p.CharacterID)
			}
		}

		var joins []models.JoinRequest
		if err := tx.Where("match_id = ? AND status = ?", matchID, models.JoinConfirmed).Find(&joins).Error; err != nil {
			return eris.Wrap(err, "failed to load join requests")
		}
		stakes := map[string]decimal.Decimal{}
		protocolFee := decimal.Zero
		for _, j := range joins {
			stakes[j.PlayerID] = stakes[j.PlayerID].Add(j.TotalFee)
			protocolFee = protocolFee.Add(j.ProtocolFee)
		}

		killsByPlayer := map[string]int{}
		for id, n := range kills {
			player, ok := playerOf[id]
			if !ok {
				return eris.Wrapf(engine.ErrInvariant, "kill credited to unknown participant %s", id)
			}
			killsByPlayer[player] += n
		}

		winner, ok := res.Winner()
		if !ok {
			return eris.Wrap(engine.ErrInvariant, "result has no winner")
		}

		var err error
		result, err = payout.Compute(payout.Input{
			EntryFee:         match.EntryFee,
			KillAwardRate:    match.KillAwardRate,
			ParticipantCount: len(parts),
			StakeByPlayer:    stakes,
			KillsByPlayer:    killsByPlayer,
			ProtocolFee:      protocolFee,
			WinnerPlayerID:   winner.PlayerID,
		})
		if err != nil {
			return err
		}

		var owed []models.PendingPayout
		players := make([]string, 0, len(result.KillAwards))
		for p := range result.KillAwards {
			players = append(players, p)
		}
		sort.Strings(players)
		for _, p := range players {
			if amount := result.KillAwards[p]; amount.IsPositive() {
				owed = append(owed, s.newPayout(&match, p, models.PayoutKillAward, amount))
			}
		}
		if result.WinnerPayout.IsPositive() {
			owed = append(owed, s.newPayout(&match, winner.PlayerID, models.PayoutWinner, result.WinnerPayout))
		}
		if len(owed) > 0 {
			if err := tx.Create(&owed).Error; err != nil {
				return eris.Wrap(err, "failed to queue payouts")
			}
		}

		return transition(tx, &match, models.MatchActive, models.MatchCompleted, map[string]interface{}{
			"ended_at":              s.now(),
			"winner_participant_id": winner.ID,
			"rounds":                res.Rounds,
			"total_pool":            result.TotalPool,
			"protocol_fee":          result.ProtocolFee,
			"winner_payout":         result.WinnerPayout,
		})
	})
	if err != nil {
		return err
	}

	log.Info().Str("winner", res.WinnerID).Int("rounds", res.Rounds).
		Str("pool", result.TotalPool.String()).Str("winner_payout", result.WinnerPayout.String()).
		Bool("scaled", result.Scaled).Msg("match completed")
	return nil
}

func (s *LobbyService) newPayout(m *models.Match, playerID string, kind models.PayoutKind, amount decimal.Decimal) models.PendingPayout {
	return models.PendingPayout{
		ID:       uuid.NewString(),
		MatchID:  m.ID,
		PlayerID: playerID,
		Kind:     kind,
		Amount:   amount,
		Currency: m.Currency,
		Status:   models.SettlementUnsettled,
	}
}

// finalizeFailure marks an active match failed and flags it for an
// operator. No payouts are created; characters are released unchanged.
func (s *LobbyService) finalizeFailure(matchID string, res *engine.Result, cause error) error {
	rounds := 0
	if res != nil {
		rounds = res.Rounds
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var match models.Match
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", matchID).First(&match).Error; err != nil {
			return eris.Wrap(err, "failed to lock match")
		}
		if match.Status != models.MatchActive {
			return conflict("match %s is %s, cannot fail", matchID, match.Status)
		}
		if err := releaseCharacters(tx, matchID); err != nil {
			return err
		}
		return transition(tx, &match, models.MatchActive, models.MatchFailed, map[string]interface{}{
			"ended_at":           s.now(),
			"rounds":             rounds,
			"failure_reason":     cause.Error(),
			"needs_intervention": true,
		})
	})
	if err != nil {
		return err
	}
	s.Log.Error().Err(cause).Str("match_id", matchID).Int("rounds", rounds).Msg("match failed, needs intervention")
	return nil
}
