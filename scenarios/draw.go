package scenarios

import "github.com/rotisserie/eris"

var ErrNoEligible = eris.New("no eligible scenario")

// Rand is the subset of *rand.Rand used for draws.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Draw picks a category by weight among the weighted categories that have at
// least one scenario eligible for the pool sizes, then one of its eligible
// scenarios by sub-weight.
func (c *Catalog) Draw(rng Rand, alive, dead int) (Category, Scenario, error) {
	var (
		cats    []Category
		options [][]Scenario
		weights []float64
	)
	for _, cat := range c.categories {
		if cat.Weight <= 0 {
			continue
		}
		if el := cat.eligible(alive, dead); len(el) > 0 {
			cats = append(cats, cat)
			options = append(options, el)
			weights = append(weights, cat.Weight)
		}
	}
	if len(cats) == 0 {
		return Category{}, Scenario{}, eris.Wrapf(ErrNoEligible, "alive=%d dead=%d", alive, dead)
	}
	i := pick(rng, weights)
	return cats[i], pickScenario(rng, options[i]), nil
}

// DrawFrom picks uniformly among the named categories that have an eligible
// scenario, ignoring category weights.
func (c *Catalog) DrawFrom(rng Rand, alive, dead int, names ...string) (Category, Scenario, error) {
	var (
		cats    []Category
		options [][]Scenario
	)
	for _, name := range names {
		cat, ok := c.Category(name)
		if !ok {
			continue
		}
		if el := cat.eligible(alive, dead); len(el) > 0 {
			cats = append(cats, cat)
			options = append(options, el)
		}
	}
	if len(cats) == 0 {
		return Category{}, Scenario{}, eris.Wrapf(ErrNoEligible, "categories=%v alive=%d dead=%d", names, alive, dead)
	}
	i := rng.IntN(len(cats))
	return cats[i], pickScenario(rng, options[i]), nil
}

func pickScenario(rng Rand, scs []Scenario) Scenario {
	weights := make([]float64, len(scs))
	for i, s := range scs {
		weights[i] = s.weight()
	}
	return scs[pick(rng, weights)]
}

func pick(rng Rand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(weights) - 1
}
