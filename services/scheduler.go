package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// MaintenanceJobs are the periodic sweeps that repair state the event
// driven paths may have missed.
type MaintenanceJobs struct {
	Lobby      *LobbyService
	Settlement *SettlementService

	SettlementInterval time.Duration
	SweepInterval      time.Duration

	Log zerolog.Logger
}

// Start registers the sweeps on a gocron scheduler and starts it. The caller
// shuts the scheduler down.
func (j *MaintenanceJobs) Start(ctx context.Context, clock clockwork.Clock) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create job scheduler")
	}
	log := j.Log.With().Str("component", "jobs").Logger()

	// Every interval: retry unsettled payouts
	if _, err := sched.NewJob(
		gocron.DurationJob(j.SettlementInterval),
		gocron.NewTask(func() {
			if err := j.Settlement.SettlePending(ctx, 100); err != nil {
				log.Warn().Err(err).Msg("settlement sweep left payouts unsettled")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("settlement-retry"),
	); err != nil {
		return nil, eris.Wrap(err, "failed to register settlement job")
	}

	// Every interval: promote lobbies whose countdown was lost
	if _, err := sched.NewJob(
		gocron.DurationJob(j.SweepInterval),
		gocron.NewTask(func() {
			n, err := j.Lobby.SweepOverdue(ctx)
			if err != nil {
				log.Error().Err(err).Msg("lobby sweep failed")
				return
			}
			if n > 0 {
				log.Info().Int("promoted", n).Msg("promoted overdue lobbies")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("lobby-sweep"),
	); err != nil {
		return nil, eris.Wrap(err, "failed to register lobby sweep job")
	}

	sched.Start()
	return sched, nil
}
