package config

import (
	"time"

	"coin-clash/payout"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL    string   `env:"DATABASE_URL"`
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:":5200"`
	ServiceToken   string   `env:"GAME_SERVICE_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty      bool     `env:"LOG_PRETTY" envDefault:"false"`
	ScenarioFile   string   `env:"SCENARIO_FILE" envDefault:""`

	SchedulerWorkers        int           `env:"SCHEDULER_WORKERS" envDefault:"4"`
	SettlementRetryInterval time.Duration `env:"SETTLEMENT_RETRY_INTERVAL" envDefault:"1m"`
	SettlementStaleAfter    time.Duration `env:"SETTLEMENT_STALE_AFTER" envDefault:"15m"`
	LobbySweepInterval      time.Duration `env:"LOBBY_SWEEP_INTERVAL" envDefault:"30s"`
	ArchiveInterval         time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"5m"`

	Game    Game    `envPrefix:"GAME_"`
	Payment Payment `envPrefix:"PAYMENT_"`
	R2      R2
}

// Game holds the match rules. Every bound here is inclusive.
type Game struct {
	Currency string `env:"CURRENCY" envDefault:"SOL"`

	EntryFeeMin decimal.Decimal `env:"ENTRY_FEE_MIN" envDefault:"0.01"`
	EntryFeeMax decimal.Decimal `env:"ENTRY_FEE_MAX" envDefault:"100"`

	KillAwardRateMin     decimal.Decimal `env:"KILL_AWARD_RATE_MIN" envDefault:"0"`
	KillAwardRateMax     decimal.Decimal `env:"KILL_AWARD_RATE_MAX" envDefault:"0.5"`
	KillAwardRateDefault decimal.Decimal `env:"KILL_AWARD_RATE_DEFAULT" envDefault:"0.1"`

	MinPlayersLow      int `env:"MIN_PLAYERS_LOW" envDefault:"3"`
	MinPlayersHigh     int `env:"MIN_PLAYERS_HIGH" envDefault:"50"`
	CharsPerPlayerLow  int `env:"CHARS_PER_PLAYER_LOW" envDefault:"1"`
	CharsPerPlayerHigh int `env:"CHARS_PER_PLAYER_HIGH" envDefault:"5"`
	MaxCharactersCap   int `env:"MAX_CHARACTERS_CAP" envDefault:"100"`

	CountdownMin     time.Duration `env:"COUNTDOWN_MIN" envDefault:"10s"`
	CountdownMax     time.Duration `env:"COUNTDOWN_MAX" envDefault:"10m"`
	CountdownDefault time.Duration `env:"COUNTDOWN_DEFAULT" envDefault:"60s"`

	RoundDelayEnabled bool          `env:"ROUND_DELAY_ENABLED" envDefault:"true"`
	RoundDelayMin     time.Duration `env:"ROUND_DELAY_MIN" envDefault:"2s"`
	RoundDelayMax     time.Duration `env:"ROUND_DELAY_MAX" envDefault:"5s"`
	MaxRounds         int           `env:"MAX_ROUNDS" envDefault:"500"`

	StoryChance       float64 `env:"STORY_CHANCE" envDefault:"0.15"`
	ExtraLethalChance float64 `env:"EXTRA_LETHAL_CHANCE" envDefault:"0.10"`
	LethalBonusOver8  float64 `env:"LETHAL_BONUS_OVER_8" envDefault:"0.10"`
	LethalBonusOver12 float64 `env:"LETHAL_BONUS_OVER_12" envDefault:"0.20"`
	ComebackChance    float64 `env:"COMEBACK_CHANCE" envDefault:"0.05"`

	// FeeTiers maps a player's cumulative character count in a match to a
	// protocol fee percentage.
	FeeTiers payout.TierTable `env:"FEE_TIERS" envDefault:"1:10,2:8,3:6,4:5,5:4"`

	ListingFee     decimal.Decimal `env:"LISTING_FEE" envDefault:"0"`
	CharacterPrice decimal.Decimal `env:"CHARACTER_PRICE" envDefault:"1"`
	RevivalFee     decimal.Decimal `env:"REVIVAL_FEE" envDefault:"0.5"`
	MaxPurchase    int             `env:"MAX_PURCHASE" envDefault:"10"`
}

type Payment struct {
	Provider           string        `env:"PROVIDER" envDefault:"mock"`
	BaseURL            string        `env:"BASE_URL" envDefault:""`
	ServiceToken       string        `env:"SERVICE_TOKEN" envDefault:""`
	Timeout            time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	UnknownMaxAttempts int           `env:"UNKNOWN_MAX_ATTEMPTS" envDefault:"2"`
	BaseBackoff        time.Duration `env:"BASE_BACKOFF" envDefault:"500ms"`
	MaxBackoff         time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
}

// R2 keeps the Cloudflare variable names used by the upload tooling.
type R2 struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID" envDefault:""`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID" envDefault:""`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET" envDefault:""`
	Bucket          string `env:"R2_BUCKET_NAME" envDefault:""`
	CDNBaseURL      string `env:"CDN_BASE_URL" envDefault:""`
}

func (r R2) Enabled() bool {
	return r.Bucket != ""
}

// Parse reads the process environment. Call godotenv.Load first if a .env
// file should be honoured.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, eris.Wrap(err, "failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultGame returns the game rules built from defaults only.
func DefaultGame() Game {
	var g Game
	if err := env.ParseWithOptions(&g, env.Options{Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return g
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return eris.New("DATABASE_URL environment variable not set")
	}
	if c.ServiceToken == "" {
		return eris.New("GAME_SERVICE_TOKEN environment variable not set")
	}
	if c.Payment.Provider == "http" && c.Payment.BaseURL == "" {
		return eris.New("PAYMENT_BASE_URL is required when PAYMENT_PROVIDER=http")
	}
	return c.Game.Validate()
}

func (g Game) Validate() error {
	switch {
	case g.EntryFeeMin.IsNegative() || g.EntryFeeMax.LessThan(g.EntryFeeMin):
		return eris.New("invalid entry fee bounds")
	case g.KillAwardRateMax.LessThan(g.KillAwardRateMin):
		return eris.New("invalid kill award rate bounds")
	case g.KillAwardRateDefault.LessThan(g.KillAwardRateMin) || g.KillAwardRateDefault.GreaterThan(g.KillAwardRateMax):
		return eris.New("default kill award rate outside bounds")
	case g.MinPlayersLow < 2 || g.MinPlayersHigh < g.MinPlayersLow:
		return eris.New("invalid min players bounds")
	case g.CharsPerPlayerLow < 1 || g.CharsPerPlayerHigh < g.CharsPerPlayerLow:
		return eris.New("invalid characters per player bounds")
	case g.MaxCharactersCap < g.MinPlayersLow:
		return eris.New("max characters cap below min players")
	case g.CountdownMax < g.CountdownMin:
		return eris.New("invalid countdown bounds")
	case g.RoundDelayMax < g.RoundDelayMin:
		return eris.New("invalid round delay bounds")
	case g.MaxRounds < 1:
		return eris.New("max rounds must be positive")
	case g.FeeTiers.Empty():
		return eris.New("fee tier table is empty")
	}
	return nil
}
