// Package scenarios holds the immutable catalog of event categories and
// scenario templates that drive a match.
package scenarios

import (
	_ "embed"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type Effect string

const (
	EffectKill      Effect = "kill"
	EffectGroupKill Effect = "group_kill"
	EffectSelfKill  Effect = "self_kill"
	EffectRevive    Effect = "revive"
	EffectNoOp      Effect = "no_op"
)

func (e Effect) Valid() bool {
	switch e {
	case EffectKill, EffectGroupKill, EffectSelfKill, EffectRevive, EffectNoOp:
		return true
	}
	return false
}

// Lethal reports whether the effect removes someone from the alive pool.
func (e Effect) Lethal() bool {
	return e == EffectKill || e == EffectGroupKill || e == EffectSelfKill
}

// minRoles is the fewest placeholders a template needs for its effect.
var minRoles = map[Effect]int{
	EffectKill:      2,
	EffectGroupKill: 3,
	EffectSelfKill:  1,
	EffectRevive:    1,
	EffectNoOp:      1,
}

var placeholderRe = regexp.MustCompile(`\[Character ([A-Z])\]`)

type Scenario struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
	Effect Effect  `json:"effect"`
	Text   string  `json:"text"`
	// Roles is the number of distinct placeholders in Text.
	Roles int `json:"-"`
}

// Eligible reports whether the scenario can be resolved against pools of
// the given sizes. For revive scenarios the first role comes from the dead
// pool and the rest from the alive pool.
func (s Scenario) Eligible(alive, dead int) bool {
	switch s.Effect {
	case EffectRevive:
		return dead >= 1 && s.Roles-1 <= alive
	case EffectGroupKill:
		return alive > 2 && s.Roles <= alive
	case EffectSelfKill:
		return alive >= 2 && s.Roles <= alive
	default:
		return s.Roles <= alive
	}
}

func (s Scenario) weight() float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

type Category struct {
	Name      string     `json:"name"`
	Weight    float64    `json:"weight"`
	Scenarios []Scenario `json:"scenarios"`
}

// Label is the human readable form of the category name.
func (c Category) Label() string {
	return cases.Title(language.English).String(strings.ReplaceAll(c.Name, "_", " "))
}

func (c Category) eligible(alive, dead int) []Scenario {
	var out []Scenario
	for _, s := range c.Scenarios {
		if s.Eligible(alive, dead) {
			out = append(out, s)
		}
	}
	return out
}

type document struct {
	Categories []Category `json:"categories"`
}

// Catalog is safe for concurrent use; it is never mutated after loading.
type Catalog struct {
	categories []Category
	byName     map[string]int
}

//go:embed default.json
var defaultCatalog []byte

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open scenario file %s", path)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*Catalog, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read scenario catalog")
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "failed to decode scenario catalog")
	}
	return build(doc.Categories)
}

func build(categories []Category) (*Catalog, error) {
	if len(categories) == 0 {
		return nil, eris.New("scenario catalog has no categories")
	}

	c := &Catalog{byName: make(map[string]int, len(categories))}
	seenIDs := map[string]string{}
	positive := false
	progress := false

	for _, cat := range categories {
		if cat.Name == "" {
			return nil, eris.New("category without a name")
		}
		if _, dup := c.byName[cat.Name]; dup {
			return nil, eris.Errorf("duplicate category %q", cat.Name)
		}
		if cat.Weight < 0 {
			return nil, eris.Errorf("category %q has negative weight", cat.Name)
		}
		if len(cat.Scenarios) == 0 {
			return nil, eris.Errorf("category %q has no scenarios", cat.Name)
		}

		scs := make([]Scenario, 0, len(cat.Scenarios))
		for _, s := range cat.Scenarios {
			if s.ID == "" {
				return nil, eris.Errorf("category %q has a scenario without id", cat.Name)
			}
			if other, dup := seenIDs[s.ID]; dup {
				return nil, eris.Errorf("scenario id %q used in %q and %q", s.ID, other, cat.Name)
			}
			seenIDs[s.ID] = cat.Name
			if !s.Effect.Valid() {
				return nil, eris.Errorf("scenario %q has unknown effect %q", s.ID, s.Effect)
			}
			if s.Weight < 0 {
				return nil, eris.Errorf("scenario %q has negative weight", s.ID)
			}
			roles, err := countRoles(s.Text)
			if err != nil {
				return nil, eris.Wrapf(err, "scenario %q", s.ID)
			}
			if roles < minRoles[s.Effect] {
				return nil, eris.Errorf("scenario %q needs at least %d roles for %s, has %d", s.ID, minRoles[s.Effect], s.Effect, roles)
			}
			s.Roles = roles
			scs = append(scs, s)

			if cat.Weight > 0 && (s.Effect == EffectKill || s.Effect == EffectSelfKill) && s.Eligible(2, 0) {
				progress = true
			}
		}
		cat.Scenarios = scs
		if cat.Weight > 0 {
			positive = true
		}

		c.byName[cat.Name] = len(c.categories)
		c.categories = append(c.categories, cat)
	}

	if !positive {
		return nil, eris.New("scenario catalog has no weighted category")
	}
	// Without a lethal scenario that fits two contenders a match could never end.
	if !progress {
		return nil, eris.New("scenario catalog has no lethal scenario playable with two contenders")
	}
	return c, nil
}

// countRoles returns the number of distinct placeholders, which must be a
// contiguous run starting at [Character A].
func countRoles(text string) (int, error) {
	letters := map[byte]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		letters[m[1][0]] = true
	}
	if len(letters) == 0 {
		return 0, eris.New("template has no [Character X] placeholder")
	}
	keys := make([]int, 0, len(letters))
	for l := range letters {
		keys = append(keys, int(l-'A'))
	}
	sort.Ints(keys)
	for i, k := range keys {
		if i != k {
			return 0, eris.Errorf("placeholders skip [Character %c]", 'A'+i)
		}
	}
	return len(keys), nil
}

func (c *Catalog) Categories() []Category {
	return append([]Category(nil), c.categories...)
}

func (c *Catalog) Category(name string) (Category, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Category{}, false
	}
	return c.categories[i], true
}

// Render substitutes names in role order into the template.
func Render(text string, names []string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		i := int(m[len("[Character ")] - 'A')
		if i < len(names) {
			return names[i]
		}
		return m
	})
}
