// Package engine runs the elimination rounds of a single match.
package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"coin-clash/scenarios"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var (
	ErrNoParticipants     = eris.New("match has no participants")
	ErrInvariant          = eris.New("simulation invariant violated")
	ErrNoEligibleScenario = eris.New("no eligible scenario for pool")
	ErrRoundLimit         = eris.New("round limit reached without a winner")
	ErrAborted            = eris.New("match aborted")
)

type Config struct {
	RoundDelayEnabled bool
	RoundDelayMin     time.Duration
	RoundDelayMax     time.Duration
	MaxRounds         int

	StoryChance       float64
	ExtraLethalChance float64
	LethalBonusOver8  float64
	LethalBonusOver12 float64
	ComebackChance    float64

	StoryCategory         string
	ExtraLethalCategories []string
	ComebackCategory      string
}

func DefaultConfig() Config {
	return Config{
		RoundDelayEnabled:     true,
		RoundDelayMin:         2 * time.Second,
		RoundDelayMax:         5 * time.Second,
		MaxRounds:             500,
		StoryChance:           0.15,
		ExtraLethalChance:     0.10,
		LethalBonusOver8:      0.10,
		LethalBonusOver12:     0.20,
		ComebackChance:        0.05,
		StoryCategory:         "story",
		ExtraLethalCategories: []string{"direct_kill", "environmental"},
		ComebackCategory:      "comeback",
	}
}

type Participant struct {
	ID       string
	PlayerID string
	Name     string
}

type ParticipantState struct {
	Participant
	Alive            bool
	EliminationRound *int
	Kills            int
}

type Result struct {
	MatchID      string
	Seed         uint64
	WinnerID     string
	Rounds       int
	Events       []Event
	Participants []ParticipantState
}

// Winner returns the surviving participant.
func (r *Result) Winner() (ParticipantState, bool) {
	for _, p := range r.Participants {
		if p.ID == r.WinnerID {
			return p, true
		}
	}
	return ParticipantState{}, false
}

type Option func(*Engine)

func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSink registers a receiver for every event as it happens.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

type Engine struct {
	matchID string
	catalog *scenarios.Catalog
	cfg     Config
	seed    uint64
	clock   clockwork.Clock
	sink    Sink
	log     zerolog.Logger
}

func New(matchID string, catalog *scenarios.Catalog, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		matchID: matchID,
		catalog: catalog,
		cfg:     cfg,
		seed:    rand.Uint64(),
		clock:   clockwork.NewRealClock(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxRounds <= 0 {
		e.cfg.MaxRounds = DefaultConfig().MaxRounds
	}
	e.log = e.log.With().Str("match_id", matchID).Uint64("seed", e.seed).Logger()
	return e
}

func (e *Engine) Seed() uint64 { return e.seed }

// Run plays rounds until one participant remains. On error the returned
// result still holds the events played so far.
func (e *Engine) Run(ctx context.Context, participants []Participant) (*Result, error) {
	st, err := newState(participants)
	if err != nil {
		return nil, err
	}

	r := &run{
		Engine: e,
		st:     st,
		rng:    rand.New(rand.NewPCG(e.seed, e.seed^0x9e3779b97f4a7c15)),
		pace:   rand.New(rand.NewPCG(e.seed, 0x2545f4914f6cdd1d)),
	}
	e.log.Info().Int("participants", len(participants)).Msg("match started")

	err = r.loop(ctx)
	res := r.result()
	if err != nil {
		e.log.Error().Err(err).Int("round", st.round).Msg("match run failed")
		return res, err
	}
	e.log.Info().Str("winner", res.WinnerID).Int("rounds", res.Rounds).Msg("match finished")
	return res, nil
}

type run struct {
	*Engine
	st     *state
	rng    *rand.Rand
	pace   *rand.Rand
	events []Event
}

func (r *run) loop(ctx context.Context) error {
	for {
		switch alive := len(r.st.alive); {
		case alive == 1:
			return nil
		case alive == 0:
			return eris.Wrap(ErrInvariant, "alive pool is empty")
		}
		if r.st.round >= r.cfg.MaxRounds {
			return eris.Wrapf(ErrRoundLimit, "after %d rounds", r.st.round)
		}
		if err := ctx.Err(); err != nil {
			return eris.Wrap(ErrAborted, err.Error())
		}

		r.st.round++
		if err := r.playRound(ctx); err != nil {
			return err
		}

		if len(r.st.alive) > 1 {
			if err := r.wait(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *run) playRound(ctx context.Context) error {
	twoRemain := len(r.st.alive) == 2

	cat, sc, err := r.catalog.Draw(r.rng, len(r.st.alive), len(r.st.dead))
	if err != nil {
		return eris.Wrapf(ErrNoEligibleScenario, "round %d: %v", r.st.round, err)
	}
	if err := r.apply(ctx, KindPrimary, cat, sc); err != nil {
		return err
	}
	if len(r.st.alive) <= 1 {
		return nil
	}

	if r.rng.Float64() < r.cfg.StoryChance {
		if err := r.extra(ctx, KindStory, r.cfg.StoryCategory); err != nil {
			return err
		}
		if len(r.st.alive) <= 1 {
			return nil
		}
	}

	if !twoRemain {
		chance := r.cfg.ExtraLethalChance
		switch n := len(r.st.alive); {
		case n > 12:
			chance += r.cfg.LethalBonusOver12
		case n > 8:
			chance += r.cfg.LethalBonusOver8
		}
		if r.rng.Float64() < chance {
			if err := r.extra(ctx, KindExtraLethal, r.cfg.ExtraLethalCategories...); err != nil {
				return err
			}
			if len(r.st.alive) <= 1 {
				return nil
			}
		}
	}

	if len(r.st.dead) > 0 && r.rng.Float64() < r.cfg.ComebackChance {
		if err := r.extra(ctx, KindComeback, r.cfg.ComebackCategory); err != nil {
			return err
		}
	}
	return nil
}

// extra plays a bonus event from the named categories. Having nothing
// eligible is not an error for bonus events.
func (r *run) extra(ctx context.Context, kind Kind, categories ...string) error {
	cat, sc, err := r.catalog.DrawFrom(r.rng, len(r.st.alive), len(r.st.dead), categories...)
	if eris.Is(err, scenarios.ErrNoEligible) {
		r.log.Debug().Str("kind", string(kind)).Int("round", r.st.round).Msg("no eligible bonus scenario")
		return nil
	}
	if err != nil {
		return err
	}
	return r.apply(ctx, kind, cat, sc)
}

func (r *run) apply(ctx context.Context, kind Kind, cat scenarios.Category, sc scenarios.Scenario) error {
	actors, err := r.st.cast(r.rng, sc)
	if err != nil {
		return err
	}

	ev := Event{
		Seq:        len(r.events) + 1,
		Round:      r.st.round,
		Kind:       kind,
		Category:   cat.Name,
		ScenarioID: sc.ID,
		Effect:     sc.Effect,
		Actors:     actors,
		At:         r.clock.Now(),
	}

	switch sc.Effect {
	case scenarios.EffectKill:
		ev.KillerID = actors[0]
		ev.Eliminated = actors[1:2]
	case scenarios.EffectGroupKill:
		ev.KillerID = actors[0]
		ev.Eliminated = actors[1:]
	case scenarios.EffectSelfKill:
		ev.Eliminated = actors[:1]
	case scenarios.EffectRevive:
		ev.Revived = actors[:1]
	}

	for _, id := range ev.Eliminated {
		if err := r.st.eliminate(id); err != nil {
			return err
		}
	}
	if ev.KillerID != "" {
		r.st.credit(ev.KillerID, len(ev.Eliminated))
	}
	for _, id := range ev.Revived {
		if err := r.st.revive(id); err != nil {
			return err
		}
	}

	ev.Text = scenarios.Render(sc.Text, r.st.names(actors))
	r.events = append(r.events, ev)

	r.log.Debug().Int("round", ev.Round).Str("scenario", ev.ScenarioID).Str("kind", string(kind)).
		Int("alive", len(r.st.alive)).Msg("event")

	if r.sink != nil {
		if err := r.sink.Emit(ctx, ev); err != nil {
			return eris.Wrapf(err, "failed to record event %d", ev.Seq)
		}
	}
	return nil
}

func (r *run) wait(ctx context.Context) error {
	if !r.cfg.RoundDelayEnabled {
		return nil
	}
	d := r.cfg.RoundDelayMin
	if span := r.cfg.RoundDelayMax - r.cfg.RoundDelayMin; span > 0 {
		d += time.Duration(r.pace.Int64N(int64(span) + 1))
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return eris.Wrap(ErrAborted, ctx.Err().Error())
	case <-r.clock.After(d):
		return nil
	}
}

func (r *run) result() *Result {
	res := &Result{
		MatchID:      r.matchID,
		Seed:         r.seed,
		Rounds:       r.st.round,
		Events:       r.events,
		Participants: r.st.snapshot(),
	}
	if len(r.st.alive) == 1 {
		res.WinnerID = r.st.alive[0]
	}
	return res
}
