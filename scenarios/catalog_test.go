package scenarios

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, name := range []string{"direct_kill", "self", "environmental", "group", "story", "comeback"} {
		cat, ok := c.Category(name)
		require.Truef(t, ok, "category %s", name)
		assert.NotEmpty(t, cat.Scenarios)
	}

	grp, _ := c.Category("group")
	for _, s := range grp.Scenarios {
		assert.GreaterOrEqual(t, s.Roles, 3, s.ID)
	}
}

func TestCountRoles(t *testing.T) {
	n, err := countRoles("[Character A] meets [Character B] and [Character A] again")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = countRoles("nobody here")
	assert.Error(t, err)

	_, err = countRoles("[Character A] and [Character C]")
	assert.Error(t, err)
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := map[string]string{
		"empty":            `{"categories":[]}`,
		"bad effect":       `{"categories":[{"name":"x","weight":1,"scenarios":[{"id":"a","effect":"explode","text":"[Character A] [Character B]"}]}]}`,
		"too few roles":    `{"categories":[{"name":"x","weight":1,"scenarios":[{"id":"a","effect":"kill","text":"[Character A] falls"}]}]}`,
		"duplicate id":     `{"categories":[{"name":"x","weight":1,"scenarios":[{"id":"a","effect":"self_kill","text":"[Character A]"},{"id":"a","effect":"self_kill","text":"[Character A]"}]}]}`,
		"no lethal":        `{"categories":[{"name":"x","weight":1,"scenarios":[{"id":"a","effect":"no_op","text":"[Character A] waits"}]}]}`,
		"only group":       `{"categories":[{"name":"x","weight":1,"scenarios":[{"id":"a","effect":"group_kill","text":"[Character A] [Character B] [Character C]"}]}]}`,
		"no weights":       `{"categories":[{"name":"x","weight":0,"scenarios":[{"id":"a","effect":"kill","text":"[Character A] [Character B]"}]}]}`,
		"malformed json":   `{"categories":`,
		"negative weight":  `{"categories":[{"name":"x","weight":-1,"scenarios":[{"id":"a","effect":"kill","text":"[Character A] [Character B]"}]}]}`,
		"missing category": `{"categories":[{"name":"","weight":1,"scenarios":[{"id":"a","effect":"kill","text":"[Character A] [Character B]"}]}]}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEligibility(t *testing.T) {
	kill := Scenario{Effect: EffectKill, Roles: 2}
	group := Scenario{Effect: EffectGroupKill, Roles: 3}
	revive := Scenario{Effect: EffectRevive, Roles: 2}
	self := Scenario{Effect: EffectSelfKill, Roles: 1}

	assert.True(t, kill.Eligible(2, 0))
	assert.False(t, kill.Eligible(1, 0))
	assert.False(t, group.Eligible(2, 5))
	assert.True(t, group.Eligible(3, 0))
	assert.False(t, revive.Eligible(5, 0))
	assert.True(t, revive.Eligible(1, 1))
	assert.False(t, self.Eligible(1, 0))
}

func TestDrawNeverPicksGroupWithTwoAlive(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		cat, s, err := c.Draw(rng, 2, 3)
		require.NoError(t, err)
		assert.NotEqual(t, "group", cat.Name)
		assert.LessOrEqual(t, s.Roles, 2)
	}
}

func TestDrawSkipsRevivesWithEmptyDeadPool(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 2000; i++ {
		_, s, err := c.Draw(rng, 6, 0)
		require.NoError(t, err)
		assert.NotEqual(t, EffectRevive, s.Effect)
	}
}

func TestDrawFollowsWeights(t *testing.T) {
	c, err := Parse([]byte(`{"categories":[
		{"name":"heavy","weight":9,"scenarios":[{"id":"h","effect":"kill","text":"[Character A] [Character B]"}]},
		{"name":"light","weight":1,"scenarios":[{"id":"l","effect":"self_kill","text":"[Character A]"}]}
	]}`))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 4))
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		cat, _, err := c.Draw(rng, 10, 0)
		require.NoError(t, err)
		counts[cat.Name]++
	}
	assert.InDelta(t, 9000, counts["heavy"], 300)
	assert.InDelta(t, 1000, counts["light"], 300)
}

func TestDrawFromNamedCategories(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(5, 6))

	for i := 0; i < 200; i++ {
		cat, s, err := c.DrawFrom(rng, 4, 0, "direct_kill", "environmental")
		require.NoError(t, err)
		assert.Contains(t, []string{"direct_kill", "environmental"}, cat.Name)
		assert.True(t, s.Effect.Lethal())
	}

	_, _, err = c.DrawFrom(rng, 4, 0, "comeback")
	assert.True(t, eris.Is(err, ErrNoEligible))
}

func TestRenderAndLabel(t *testing.T) {
	out := Render("[Character A] hits [Character B]; [Character A] grins.", []string{"Rex", "Ivy"})
	assert.Equal(t, "Rex hits Ivy; Rex grins.", out)
	assert.False(t, strings.Contains(out, "[Character"))

	assert.Equal(t, "Direct Kill", Category{Name: "direct_kill"}.Label())
}
