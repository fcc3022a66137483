package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coin-clash/config"
	"coin-clash/middleware"
	"coin-clash/models"
	"coin-clash/payment"
	"coin-clash/scenarios"
	"coin-clash/scheduler"
	"coin-clash/services"

	"github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testToken = "gateway-secret"

type apiEnv struct {
	app   *fiber.App
	db    *gorm.DB
	pay   *payment.Mock
	lobby *services.LobbyService
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	game := config.DefaultGame()
	game.RoundDelayEnabled = false

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.New(scheduler.WithClock(clockwork.NewFakeClock()))
	sched.Start(ctx)
	catalog, err := scenarios.Default()
	require.NoError(t, err)

	pay := payment.NewMock()
	settle := services.NewSettlementService(db, pay, payment.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())
	lobby := services.NewLobbyService(db, sched, catalog, pay, settle, game, zerolog.Nop())
	inv := services.NewCharacterInventoryService(db, pay, game, zerolog.Nop())

	app := fiber.New(fiber.Config{JSONEncoder: json.Marshal, JSONDecoder: json.Unmarshal})
	app.Use(middleware.GatewayAuthMiddleware(testToken, zerolog.Nop()))
	secured := app.Group("/", middleware.UserContextMiddleware(zerolog.Nop()))
	SetupMatchRoutes(secured, &MatchHandler{
		Lobby:          lobby,
		Feed:           &services.EventFeed{DB: db, Catalog: catalog},
		Settlement:     settle,
		Log:            zerolog.Nop(),
		StreamInterval: 10 * time.Millisecond,
	})
	SetupCharacterRoutes(secured, &CharacterHandler{Inventory: inv, Log: zerolog.Nop()})

	t.Cleanup(func() {
		lobby.Shutdown()
		sched.Stop()
		cancel()
		_ = sqlDB.Close()
	})
	return &apiEnv{app: app, db: db, pay: pay, lobby: lobby}
}

func (e *apiEnv) do(t *testing.T, method, path, user string, body any, out any, roles ...string) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for _, role := range roles {
		req.Header.Add("X-User-Roles", role)
	}
	resp, err := e.app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode
}

func TestGatewayAndUserContext(t *testing.T) {
	api := newAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/matches", nil)
	resp, err := api.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/matches", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = api.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, fiber.StatusUnauthorized, api.do(t, http.MethodGet, "/matches", "", nil, nil))
	assert.Equal(t, fiber.StatusOK, api.do(t, http.MethodGet, "/matches", "alice", nil, nil))
}

func TestMatchLifecycleOverHTTP(t *testing.T) {
	api := newAPI(t)

	var bad map[string]any
	status := api.do(t, http.MethodPost, "/matches", "creator", map[string]any{
		"entry_fee": "1", "min_players": 2, "max_characters": 3, "max_characters_per_player": 1,
	}, &bad)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "min_players", bad["field"])

	var m models.Match
	status = api.do(t, http.MethodPost, "/matches", "creator", map[string]any{
		"name": "Lunch Brawl", "entry_fee": "1", "min_players": 3, "max_characters": 3, "max_characters_per_player": 1,
	}, &m)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, models.MatchFilling, m.Status)

	api.pay.SetBalance("broke", decimal.Zero)
	for _, player := range []string{"alice", "bob", "broke", "carol"} {
		var buy struct {
			Characters []models.OwnedCharacter `json:"characters"`
		}
		if player != "broke" {
			require.Equal(t, fiber.StatusCreated, api.do(t, http.MethodPost, "/characters/purchase", player, map[string]any{"quantity": 1}, &buy))
		} else {
			var pe map[string]any
			assert.Equal(t, fiber.StatusPaymentRequired, api.do(t, http.MethodPost, "/characters/purchase", player, map[string]any{"quantity": 1}, &pe))
			assert.Equal(t, string(payment.KindPermanent), pe["kind"])
			continue
		}
		require.Len(t, buy.Characters, 1)

		var jr models.JoinRequest
		status := api.do(t, http.MethodPost, "/matches/"+m.ID+"/join", player, map[string]any{
			"character_ids": []string{buy.Characters[0].ID},
		}, &jr)
		require.Equal(t, fiber.StatusCreated, status)
		assert.Equal(t, models.JoinConfirmed, jr.Status)
	}

	require.Eventually(t, func() bool {
		var got models.Match
		api.do(t, http.MethodGet, "/matches/"+m.ID, "alice", nil, &got)
		return got.Status == models.MatchCompleted
	}, 10*time.Second, 10*time.Millisecond)
	api.lobby.Wait()

	var page services.EventPage
	require.Equal(t, fiber.StatusOK, api.do(t, http.MethodGet, "/matches/"+m.ID+"/events?after=0&limit=500", "alice", nil, &page))
	assert.NotEmpty(t, page.Events)
	assert.True(t, page.Finished)

	var payouts struct {
		Payouts []models.PendingPayout `json:"payouts"`
	}
	require.Equal(t, fiber.StatusOK, api.do(t, http.MethodGet, "/matches/"+m.ID+"/payouts", "alice", nil, &payouts))
	assert.NotEmpty(t, payouts.Payouts)

	var conflict map[string]any
	assert.Equal(t, fiber.StatusConflict, api.do(t, http.MethodPost, "/matches/"+m.ID+"/cancel", "creator", nil, &conflict))
	assert.Equal(t, fiber.StatusNotFound, api.do(t, http.MethodGet, "/matches/nope", "alice", nil, nil))
}

func TestEventStream(t *testing.T) {
	api := newAPI(t)

	var m models.Match
	require.Equal(t, fiber.StatusCreated, api.do(t, http.MethodPost, "/matches", "creator", map[string]any{
		"entry_fee": "0.5", "min_players": 3, "max_characters": 3, "max_characters_per_player": 1,
	}, &m))
	for _, player := range []string{"alice", "bob", "carol"} {
		var buy struct {
			Characters []models.OwnedCharacter `json:"characters"`
		}
		require.Equal(t, fiber.StatusCreated, api.do(t, http.MethodPost, "/characters/purchase", player, map[string]any{"quantity": 1}, &buy))
		require.Equal(t, fiber.StatusCreated, api.do(t, http.MethodPost, "/matches/"+m.ID+"/join", player, map[string]any{
			"character_ids": []string{buy.Characters[0].ID},
		}, nil))
	}

	req := httptest.NewRequest(http.MethodGet, "/matches/"+m.ID+"/events/stream", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "alice")
	resp, err := api.app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: match_event")
	assert.Contains(t, body, "event: end")
	api.lobby.Wait()
}

func TestAdminRoutesRequireRole(t *testing.T) {
	api := newAPI(t)

	var m models.Match
	require.Equal(t, fiber.StatusCreated, api.do(t, http.MethodPost, "/matches", "creator", map[string]any{
		"entry_fee": "1", "min_players": 3, "max_characters": 10, "max_characters_per_player": 1,
	}, &m))

	assert.Equal(t, fiber.StatusForbidden, api.do(t, http.MethodPost, "/admin/matches/"+m.ID+"/cancel", "mallory", nil, nil))
	assert.Equal(t, fiber.StatusForbidden, api.do(t, http.MethodPost, "/matches/"+m.ID+"/cancel", "mallory", nil, nil))
	assert.Equal(t, fiber.StatusOK, api.do(t, http.MethodPost, "/admin/matches/"+m.ID+"/cancel", "ops", nil, nil, "admin"))
	assert.Equal(t, fiber.StatusConflict, api.do(t, http.MethodPost, "/admin/matches/"+m.ID+"/abort", "ops", nil, nil, "admin"))
}
