package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coin-clash/config"
	"coin-clash/handlers"
	"coin-clash/middleware"
	"coin-clash/models"
	"coin-clash/payment"
	"coin-clash/scenarios"
	"coin-clash/scheduler"
	"coin-clash/services"
	"coin-clash/utils"
	"coin-clash/workers"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		bootLog := utils.NewLogger("info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := utils.NewLogger(cfg.LogLevel, cfg.LogPretty)
	if envErr != nil {
		log.Warn().Msg("no .env file found, reading environment variables directly")
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	catalog, err := loadCatalog(cfg.ScenarioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load scenario catalog")
	}

	payments := newPaymentProvider(cfg.Payment, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(
		scheduler.WithWorkers(cfg.SchedulerWorkers),
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
	)
	sched.Start(ctx)

	settlement := services.NewSettlementService(db, payments, payment.RetryPolicy{
		MaxAttempts:        cfg.Payment.MaxAttempts,
		UnknownMaxAttempts: cfg.Payment.UnknownMaxAttempts,
		BaseBackoff:        cfg.Payment.BaseBackoff,
		MaxBackoff:         cfg.Payment.MaxBackoff,
		Clock:              sched.Clock(),
	}, log)
	settlement.StaleAfter = cfg.SettlementStaleAfter
	lobby := services.NewLobbyService(db, sched, catalog, payments, settlement, cfg.Game, log)
	lobby.ChargeTimeout = cfg.Payment.Timeout
	inventory := services.NewCharacterInventoryService(db, payments, cfg.Game, log)
	feed := &services.EventFeed{DB: db, Catalog: catalog}

	if err := lobby.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to recover match state")
	}

	jobs := &services.MaintenanceJobs{
		Lobby:              lobby,
		Settlement:         settlement,
		SettlementInterval: cfg.SettlementRetryInterval,
		SweepInterval:      cfg.LobbySweepInterval,
		Log:                log,
	}
	cron, err := jobs.Start(ctx, sched.Clock())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start maintenance jobs")
	}

	if cfg.R2.Enabled() {
		store, err := utils.NewR2Store(ctx, cfg.R2)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize R2 client")
		}
		archiver := workers.NewArchiveWorker(db, store, sched.Clock(), log)
		go archiver.Run(ctx, cfg.ArchiveInterval)
	} else {
		log.Warn().Msg("R2_BUCKET_NAME not set, match archiving disabled")
	}

	app := fiber.New(fiber.Config{
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})

	// Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken, log))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	secured := app.Group("/", middleware.UserContextMiddleware(log))
	handlers.SetupMatchRoutes(secured, &handlers.MatchHandler{
		Lobby:      lobby,
		Feed:       feed,
		Settlement: settlement,
		Log:        log.With().Str("component", "http").Logger(),
	})
	handlers.SetupCharacterRoutes(secured, &handlers.CharacterHandler{
		Inventory: inventory,
		Log:       log.With().Str("component", "http").Logger(),
	})

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := cron.Shutdown(); err != nil {
		log.Error().Err(err).Msg("job scheduler shutdown failed")
	}
	// Running matches are aborted and end up failed for an operator to review.
	lobby.Shutdown()
	sched.Stop()
	log.Info().Msg("shutdown complete")
}

func loadCatalog(path string) (*scenarios.Catalog, error) {
	if path == "" {
		return scenarios.Default()
	}
	return scenarios.LoadFile(path)
}

func newPaymentProvider(cfg config.Payment, log zerolog.Logger) payment.Provider {
	if cfg.Provider == "http" {
		log.Info().Str("base_url", cfg.BaseURL).Msg("using wallet service for payments")
		return payment.NewHTTPProvider(cfg.BaseURL, cfg.ServiceToken, cfg.Timeout)
	}
	log.Warn().Msg("using in-memory mock payments")
	return payment.NewMock()
}
