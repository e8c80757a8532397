package identity

import (
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxNicknameRunes bounds a single address form so a chat message cannot
// smuggle a paragraph into every outbound prompt.
const MaxNicknameRunes = 32

// DefaultMaxNicknames is K when the configuration does not set one.
const DefaultMaxNicknames = 5

// NormalizeNickname trims text and reports whether it is an acceptable address form.
func NormalizeNickname(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if utf8.RuneCountInString(text) > MaxNicknameRunes {
		return "", false
	}
	return text, true
}

// rankBefore reports whether a ranks strictly above b: tier desc, then lastSeen desc.
func rankBefore(a, b NicknameEntry) bool {
	if a.Tier != b.Tier {
		return a.Tier > b.Tier
	}
	return a.LastSeen.After(b.LastSeen)
}

func compareRank(a, b NicknameEntry) int {
	switch {
	case rankBefore(a, b):
		return -1
	case rankBefore(b, a):
		return 1
	default:
		return 0
	}
}

// observe inserts or refreshes an entry. It reports whether the record changed.
func (r *record) observe(text string, tier Tier, source NicknameSource, ts time.Time, keepMax int) bool {
	for i := range r.nicknames {
		e := &r.nicknames[i]
		if e.Text != text {
			continue
		}
		e.UseCount++
		if ts.After(e.LastSeen) {
			e.LastSeen = ts
		}
		if tier > e.Tier {
			e.Tier = tier
			e.Source = source
		}
		r.sortNicknames()
		return true
	}

	r.nicknames = append(r.nicknames, NicknameEntry{
		Text:     text,
		Tier:     tier,
		Source:   source,
		LastSeen: ts,
		UseCount: 1,
	})
	r.sortNicknames()
	r.prune(keepMax)
	return true
}

// sortNicknames keeps entries ordered best first. The sort is stable so exact
// ties keep insertion order, which makes the newest of equals the first evicted.
func (r *record) sortNicknames() {
	slices.SortStableFunc(r.nicknames, compareRank)
}

// prune drops the lowest ranked entries until at most keepMax remain.
func (r *record) prune(keepMax int) int {
	if keepMax <= 0 {
		keepMax = DefaultMaxNicknames
	}
	if len(r.nicknames) <= keepMax {
		return 0
	}
	dropped := len(r.nicknames) - keepMax
	clear(r.nicknames[keepMax:])
	r.nicknames = r.nicknames[:keepMax]
	return dropped
}

// Observe records that text was used to address userID. Invalid text or tier is
// ignored and reported as false; it is never an error.
func (c *Cache) Observe(userID, text string, tier Tier, source NicknameSource, ts time.Time) bool {
	text, ok := NormalizeNickname(text)
	if !ok || !tier.valid() || !source.valid() || userID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.getOrCreate(userID, ts)
	if !rec.observe(text, tier, source, ts, c.maxNicknames) {
		return false
	}
	c.mutated(rec, ts)
	return true
}

// BestAddress returns the highest ranked nickname for userID. The caller falls
// back to a gender keyed default when ok is false.
func (c *Cache) BestAddress(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[userID]
	if !ok || len(rec.nicknames) == 0 {
		return "", false
	}
	return rec.nicknames[0].Text, true
}

// Prune enforces the nickname bound for userID and returns how many entries were dropped.
func (c *Cache) Prune(userID string, keepMax int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[userID]
	if !ok {
		return 0
	}
	dropped := rec.prune(keepMax)
	if dropped > 0 {
		c.mutated(rec, c.now())
	}
	return dropped
}

// Addressed is a user whose stored nickname appears in a piece of text.
type Addressed struct {
	UserID   string
	Nickname string
	// Pos is the byte offset of the first occurrence.
	Pos int
}

// UsersAddressedAs finds users called by one of their tier 2 or tier 3
// nicknames in text, ordered by first occurrence. Derived nicknames are
// skipped since display names are often ordinary words. A Latin nickname
// only matches as a whole word.
func (c *Cache) UsersAddressedAs(text string) []Addressed {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Addressed
	for id, rec := range c.records {
		best := Addressed{Pos: -1}
		for _, e := range rec.nicknames {
			if e.Tier < TierOther {
				continue
			}
			pos := wordIndex(text, e.Text)
			if pos < 0 {
				continue
			}
			if best.Pos < 0 || pos < best.Pos {
				best = Addressed{UserID: id, Nickname: e.Text, Pos: pos}
			}
		}
		if best.Pos >= 0 {
			out = append(out, best)
		}
	}

	slices.SortFunc(out, func(a, b Addressed) int {
		if a.Pos != b.Pos {
			return a.Pos - b.Pos
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// wordIndex returns the first offset of name in text. Names made of word
// characters must not touch other letters or digits on either side; CJK text
// has no word breaks, so a name containing ideographs matches anywhere.
func wordIndex(text, name string) int {
	needsBoundary := !strings.ContainsFunc(name, func(r rune) bool {
		return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
	})

	for from := 0; from < len(text); {
		i := strings.Index(text[from:], name)
		if i < 0 {
			return -1
		}
		start := from + i
		end := start + len(name)
		if !needsBoundary || (!wordRuneBefore(text, start) && !wordRuneAfter(text, end)) {
			return start
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return -1
}

func wordRuneBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordRuneAfter(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
