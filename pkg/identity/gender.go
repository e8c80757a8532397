package identity

import (
	"strings"
	"unicode"
)

// Markers are checked female first; a name carrying both kinds resolves female.
var (
	femaleMarkers = []string{"小仙女", "女", "姐", "妹", "娘", "媛", "婷", "莉", "丽", "美", "芳", "花", "萌"}
	maleMarkers   = []string{"少爷", "男", "哥", "弟", "爷", "帅", "强", "刚", "勇", "威", "龙", "虎"}

	femaleWords = map[string]bool{"mrs": true, "ms": true, "miss": true, "madam": true, "lady": true, "queen": true, "sis": true}
	maleWords   = map[string]bool{"mr": true, "sir": true, "king": true, "bro": true}
)

// HeuristicGender guesses a gender from a display name or nickname. It is a
// low confidence signal and returns Unknown when no marker matches.
func HeuristicGender(name string) Gender {
	name = strings.TrimSpace(name)
	if name == "" {
		return Unknown
	}
	for _, m := range femaleMarkers {
		if strings.Contains(name, m) {
			return Female
		}
	}
	for _, m := range maleMarkers {
		if strings.Contains(name, m) {
			return Male
		}
	}

	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if femaleWords[w] {
			return Female
		}
	}
	for _, w := range words {
		if maleWords[w] {
			return Male
		}
	}
	return Unknown
}

// SetExplicit stores a gender the user reported about themselves. Always honored.
func (c *Cache) SetExplicit(userID string, g Gender) bool {
	if !g.valid() {
		g = Unknown
	}
	return c.setGender(userID, g, SourceExplicit)
}

// ObservePlatform applies a platform reported gender unless the user set one explicitly.
// An Unknown observation carries no signal and is ignored.
func (c *Cache) ObservePlatform(userID string, g Gender) bool {
	if g == Unknown || !g.valid() {
		return false
	}
	return c.setGender(userID, g, SourcePlatform)
}

// ObserveHeuristic applies an inferred gender only over heuristic or unset values.
func (c *Cache) ObserveHeuristic(userID string, g Gender) bool {
	if g == Unknown || !g.valid() {
		return false
	}
	return c.setGender(userID, g, SourceHeuristic)
}

// Resolve returns the stored gender, Unknown when the user has no record.
func (c *Cache) Resolve(userID string) Gender {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rec, ok := c.records[userID]; ok {
		return rec.gender
	}
	return Unknown
}

func (c *Cache) setGender(userID string, g Gender, src GenderSource) bool {
	if userID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rec := c.getOrCreate(userID, now)
	if src.precedence() < rec.genderSource.precedence() {
		return false
	}
	rec.gender = g
	rec.genderSource = src
	c.mutated(rec, now)
	return true
}
