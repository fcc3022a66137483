package engine

import (
	"math/rand/v2"

	"coin-clash/scenarios"

	"github.com/rotisserie/eris"
)

type state struct {
	order []Participant
	byID  map[string]*ParticipantState
	alive []string
	dead  []string
	round int
}

func newState(participants []Participant) (*state, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	st := &state{
		order: append([]Participant(nil), participants...),
		byID:  make(map[string]*ParticipantState, len(participants)),
		alive: make([]string, 0, len(participants)),
	}
	for _, p := range participants {
		if p.ID == "" {
			return nil, eris.Wrap(ErrInvariant, "participant without id")
		}
		if _, dup := st.byID[p.ID]; dup {
			return nil, eris.Wrapf(ErrInvariant, "participant %s listed twice", p.ID)
		}
		st.byID[p.ID] = &ParticipantState{Participant: p, Alive: true}
		st.alive = append(st.alive, p.ID)
	}
	return st, nil
}

// cast picks distinct participants for the scenario's roles. Revive
// scenarios take their first role from the dead pool.
func (st *state) cast(rng *rand.Rand, sc scenarios.Scenario) ([]string, error) {
	if !sc.Eligible(len(st.alive), len(st.dead)) {
		return nil, eris.Wrapf(ErrInvariant, "scenario %s drawn for alive=%d dead=%d", sc.ID, len(st.alive), len(st.dead))
	}
	if sc.Effect == scenarios.EffectRevive {
		actors := sample(rng, st.dead, 1)
		return append(actors, sample(rng, st.alive, sc.Roles-1)...), nil
	}
	return sample(rng, st.alive, sc.Roles), nil
}

// sample draws k ids uniformly without replacement.
func sample(rng *rand.Rand, pool []string, k int) []string {
	if k <= 0 {
		return nil
	}
	tmp := append([]string(nil), pool...)
	for i := 0; i < k; i++ {
		j := i + rng.IntN(len(tmp)-i)
		tmp[i], tmp[j] = tmp[j], tmp[i]
	}
	return tmp[:k]
}

func (st *state) eliminate(id string) error {
	p, ok := st.byID[id]
	if !ok {
		return eris.Wrapf(ErrInvariant, "unknown participant %s", id)
	}
	if !p.Alive {
		return eris.Wrapf(ErrInvariant, "participant %s is already dead", id)
	}
	i := indexOf(st.alive, id)
	if i < 0 {
		return eris.Wrapf(ErrInvariant, "participant %s missing from alive pool", id)
	}
	st.alive = append(st.alive[:i], st.alive[i+1:]...)
	st.dead = append(st.dead, id)
	round := st.round
	p.Alive = false
	p.EliminationRound = &round
	return nil
}

func (st *state) revive(id string) error {
	p, ok := st.byID[id]
	if !ok {
		return eris.Wrapf(ErrInvariant, "unknown participant %s", id)
	}
	if p.Alive {
		return eris.Wrapf(ErrInvariant, "participant %s is not dead", id)
	}
	i := indexOf(st.dead, id)
	if i < 0 {
		return eris.Wrapf(ErrInvariant, "participant %s missing from dead pool", id)
	}
	st.dead = append(st.dead[:i], st.dead[i+1:]...)
	st.alive = append(st.alive, id)
	p.Alive = true
	p.EliminationRound = nil
	return nil
}

func (st *state) credit(id string, kills int) {
	if p, ok := st.byID[id]; ok {
		p.Kills += kills
	}
}

func (st *state) names(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if p, ok := st.byID[id]; ok && p.Name != "" {
			out[i] = p.Name
		} else {
			out[i] = id
		}
	}
	return out
}

func (st *state) snapshot() []ParticipantState {
	out := make([]ParticipantState, 0, len(st.order))
	for _, p := range st.order {
		out = append(out, *st.byID[p.ID])
	}
	return out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
