package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicGender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Gender
	}{
		{"female kinship", "隔壁王姐", Female},
		{"male kinship", "东北大哥", Male},
		{"compound marker", "小仙女", Female},
		{"female wins when both present", "龙妹", Female},
		{"english honorific", "Mr. Smith", Male},
		{"english word boundary", "Misses_Lady", Female},
		{"substring is not a word", "Sirius", Unknown},
		{"no marker", "xX_gamer_Xx", Unknown},
		{"empty", "  ", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HeuristicGender(tt.in))
		})
	}
}

func TestGenderPrecedence(t *testing.T) {
	t.Run("heuristic after explicit is ignored", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.SetExplicit("u1", Male)
		assert.False(t, c.ObserveHeuristic("u1", Female))
		assert.Equal(t, Male, c.Resolve("u1"))
	})

	t.Run("platform after explicit is ignored", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.SetExplicit("u1", Male)
		assert.False(t, c.ObservePlatform("u1", Female))
		assert.Equal(t, Male, c.Resolve("u1"))
	})

	t.Run("heuristic after platform is ignored", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.ObservePlatform("u1", Female)
		assert.False(t, c.ObserveHeuristic("u1", Male))
		assert.Equal(t, Female, c.Resolve("u1"))
	})

	t.Run("platform overrides heuristic", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.ObserveHeuristic("u1", Male)
		assert.True(t, c.ObservePlatform("u1", Female))
		assert.Equal(t, Female, c.Resolve("u1"))
	})

	t.Run("equal precedence latest wins", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.ObserveHeuristic("u1", Male)
		assert.True(t, c.ObserveHeuristic("u1", Female))
		assert.Equal(t, Female, c.Resolve("u1"))

		c.SetExplicit("u1", Female)
		assert.True(t, c.SetExplicit("u1", Male))
		assert.Equal(t, Male, c.Resolve("u1"))
	})

	t.Run("unknown observations carry no signal", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.ObserveHeuristic("u1", Female)
		assert.False(t, c.ObserveHeuristic("u1", Unknown))
		assert.False(t, c.ObservePlatform("u1", Unknown))
		assert.Equal(t, Female, c.Resolve("u1"))

		rec, _ := c.Get("u1")
		assert.Equal(t, SourceHeuristic, rec.GenderSource)
	})

	t.Run("explicit unknown retracts", func(t *testing.T) {
		c, _ := newTestCache(5)
		c.ObservePlatform("u1", Female)
		assert.True(t, c.SetExplicit("u1", Unknown))
		assert.Equal(t, Unknown, c.Resolve("u1"))
		assert.False(t, c.ObservePlatform("u1", Female))
	})

	t.Run("resolve unknown user", func(t *testing.T) {
		c, _ := newTestCache(5)
		assert.Equal(t, Unknown, c.Resolve("ghost"))
		assert.Equal(t, 0, c.Len())
	})
}

func TestParseGender(t *testing.T) {
	assert.Equal(t, Male, ParseGender("male"))
	assert.Equal(t, Female, ParseGender("女"))
	assert.Equal(t, Unknown, ParseGender("robot"))
}
