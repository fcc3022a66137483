package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coin-clash/config"
	"coin-clash/models"
	"coin-clash/payment"
	"coin-clash/scenarios"
	"coin-clash/scheduler"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	clock    *clockwork.FakeClock
	sched    *scheduler.Scheduler
	pay      *payment.Mock
	catalog  *scenarios.Catalog
	lobby    *LobbyService
	settle   *SettlementService
	inv      *CharacterInventoryService
	feed     *EventFeed
	game     config.Game
	ctx      context.Context
	shutdown func()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestEnv(t *testing.T, tweak ...func(*config.Game)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	game := config.DefaultGame()
	game.RoundDelayEnabled = false
	for _, fn := range tweak {
		fn(&game)
	}

	db := newTestDB(t)
	fc := clockwork.NewFakeClock()
	sched := scheduler.New(scheduler.WithClock(fc), scheduler.WithWorkers(2))
	sched.Start(ctx)

	catalog, err := scenarios.Default()
	require.NoError(t, err)

	pay := payment.NewMock()
	settle := NewSettlementService(db, pay, payment.RetryPolicy{
		MaxAttempts:        3,
		UnknownMaxAttempts: 2,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		Clock:              clockwork.NewRealClock(),
	}, zerolog.Nop())

	lobby := NewLobbyService(db, sched, catalog, pay, settle, game, zerolog.Nop())
	lobby.Seed = func(string) uint64 { return 42 }

	env := &testEnv{
		db:      db,
		clock:   fc,
		sched:   sched,
		pay:     pay,
		catalog: catalog,
		lobby:   lobby,
		settle:  settle,
		inv:     NewCharacterInventoryService(db, pay, game, zerolog.Nop()),
		feed:    &EventFeed{DB: db, Catalog: catalog},
		game:    game,
		ctx:     ctx,
	}
	env.shutdown = func() {
		lobby.Shutdown()
		sched.Stop()
		cancel()
	}
	t.Cleanup(env.shutdown)
	return env
}

// characters gives a player n alive characters and returns their ids.
func (e *testEnv) characters(t *testing.T, playerID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		c := models.OwnedCharacter{
			ID:       uuid.NewString(),
			PlayerID: playerID,
			Name:     fmt.Sprintf("%s-%d", playerID, i+1),
			Alive:    true,
		}
		require.NoError(t, e.db.Create(&c).Error)
		ids[i] = c.ID
	}
	return ids
}

func (e *testEnv) lobbyWith(t *testing.T, minPlayers, maxChars, perPlayer int) *models.Match {
	t.Helper()
	m, err := e.lobby.CreateLobby(e.ctx, "creator", CreateLobbyParams{
		Name:                   "Friday Night Clash",
		EntryFee:               decimal.NewFromInt(1),
		MinPlayers:             minPlayers,
		MaxCharacters:          maxChars,
		MaxCharactersPerPlayer: perPlayer,
		CountdownSeconds:       30,
	})
	require.NoError(t, err)
	return m
}

func (e *testEnv) join(t *testing.T, matchID, playerID string, n int) *models.JoinRequest {
	t.Helper()
	jr, err := e.lobby.JoinMatch(e.ctx, matchID, playerID, e.characters(t, playerID, n), "")
	require.NoError(t, err)
	return jr
}

func (e *testEnv) match(t *testing.T, id string) models.Match {
	t.Helper()
	var m models.Match
	require.NoError(t, e.db.Where("id = ?", id).First(&m).Error)
	return m
}

func (e *testEnv) waitStatus(t *testing.T, id string, want models.MatchStatus) models.Match {
	t.Helper()
	require.Eventually(t, func() bool {
		var m models.Match
		if err := e.db.Select("status").Where("id = ?", id).First(&m).Error; err != nil {
			return false
		}
		return m.Status == want
	}, 10*time.Second, 5*time.Millisecond, "match never reached %s", want)
	e.lobby.Wait()
	return e.match(t, id)
}
