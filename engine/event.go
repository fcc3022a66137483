package engine

import (
	"context"
	"time"

	"coin-clash/scenarios"
)

// Kind tells which roll of the round produced an event.
type Kind string

const (
	KindPrimary     Kind = "primary"
	KindStory       Kind = "story"
	KindExtraLethal Kind = "extra_lethal"
	KindComeback    Kind = "comeback"
)

type Event struct {
	Seq        int
	Round      int
	Kind       Kind
	Category   string
	ScenarioID string
	Effect     scenarios.Effect
	// Actors are participant ids in role order.
	Actors     []string
	KillerID   string
	Eliminated []string
	Revived    []string
	Text       string
	At         time.Time
}

// Sink receives events in order. An error from Emit aborts the run.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// KillsByParticipant recounts kill credit from an event log.
func KillsByParticipant(events []Event) map[string]int {
	kills := map[string]int{}
	for _, ev := range events {
		if ev.KillerID != "" {
			kills[ev.KillerID] += len(ev.Eliminated)
		}
	}
	return kills
}
