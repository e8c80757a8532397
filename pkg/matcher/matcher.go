// Package matcher extracts address-form assertions from chat messages.
//
// The set of patterns is closed: a message can yield SelfDeclaration
// assertions ("call me X", "我叫X") about its sender and ThirdPartyAddress
// assertions ("<@id> X") about a mentioned user. Nothing else is inferred.
package matcher

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"namecard/pkg/identity"
)

// Kind tags which pattern class produced an assertion.
type Kind int

const (
	SelfDeclaration Kind = iota + 1
	ThirdPartyAddress
)

func (k Kind) String() string {
	switch k {
	case SelfDeclaration:
		return "self-declaration"
	case ThirdPartyAddress:
		return "third-party-address"
	default:
		return "unknown"
	}
}

// Message is one inbound chat message.
type Message struct {
	SenderID string
	Text     string
	// Mentions lists the user ids the platform resolved for mention markers in Text.
	Mentions []string
	// MentionsEveryone is set when the platform flagged a broadcast mention.
	MentionsEveryone bool
}

// Assertion is a candidate nickname for TargetUserID.
type Assertion struct {
	Kind         Kind
	TargetUserID string
	Text         string
	Tier         identity.Tier
	Source       identity.NicknameSource
}

// MaxThirdPartyRunes bounds the free-text token next to a mention.
const MaxThirdPartyRunes = 12

const nameChars = `[\p{L}\p{N}_'\-]`

// selfPattern is one self-declaration form. When leadIn is set, whatever
// precedes the phrase in its clause must match leadIn entirely, so that
// "他叫我回家" is not read as the sender naming themselves.
type selfPattern struct {
	re     *regexp.Regexp
	leadIn *regexp.Regexp
}

var (
	selfPatterns = []selfPattern{
		{
			re:     regexp.MustCompile(`(?i:\b(?:you can call me|call me|my name is))\s+(` + nameChars + `+(?:\s\p{Lu}` + nameChars + `*)?)`),
			leadIn: regexp.MustCompile(`^(?i:\s*(?:(?:hi|hey|hello|ok|okay|so|and|also|just|please|pls|plz|but|well|oh|btw|everyone|all|guys|y'?all|you|u)\s+)*)$`),
		},
		{re: regexp.MustCompile(`(?i:\b(?:i am|i'm))\s+(\p{Lu}` + nameChars + `*)`)},
		{
			re:     regexp.MustCompile(`(?:请叫我|称呼我|喊我|叫我|我叫)\s*([^\s，。！？、,.!?;:<>@]{1,4})`),
			leadIn: regexp.MustCompile(`^\s*(?:你们|你|大家|以后|今后|就|都|也|可以|直接|请|嗨|哈喽|你好|大家好)*\s*$`),
		},
		{re: regexp.MustCompile(`我是([^\s，。！？、,.!?;:<>@]{1,4})[，。！!,.]`)},
		{re: regexp.MustCompile(`本([^\s，。！？、,.!?;:<>@]{1,4})在此`)},
	}

	// A negation earlier in the same clause cancels a self-declaration.
	negation = regexp.MustCompile(`(?i:\b(?:don'?t|do not|never|not|stop)\b)|不要|别|不用|不许|甭|不准`)

	clauseBreak = regexp.MustCompile(`[,.!?;:，。！？；：、\n]`)

	mentionPattern   = regexp.MustCompile(`<@!?(\d+)>`)
	broadcastPattern = regexp.MustCompile(`@(?:everyone|here|全体成员)`)
	afterMention     = regexp.MustCompile(`^[\s,，:：]*([^\s<>@，。！？、,.!?;:：]+)`)
	beforeMention    = regexp.MustCompile(`([^\s<>@，。！？、,.!?;:：]+)[\s,，:：]*$`)
)

// notNames follow "call me" in ordinary sentences.
var notNames = map[string]bool{
	"later": true, "back": true, "maybe": true, "when": true, "if": true, "now": true,
	"tomorrow": true, "anytime": true, "again": true, "please": true, "sometime": true,
}

// fillers are words that commonly sit next to a mention without naming anyone.
var fillers = map[string]bool{
	"hi": true, "hey": true, "hello": true, "yo": true, "sup": true, "thanks": true, "thx": true,
	"ty": true, "lol": true, "lmao": true, "ok": true, "okay": true, "cc": true, "ping": true,
	"please": true, "pls": true, "plz": true, "yes": true, "no": true, "not": true,

	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"me": true, "him": true, "her": true, "us": true, "them": true, "my": true, "your": true,
	"his": true, "its": true, "our": true, "their": true, "this": true, "that": true,
	"these": true, "those": true, "there": true, "here": true,

	"is": true, "are": true, "was": true, "were": true, "be": true, "am": true, "do": true,
	"does": true, "did": true, "can": true, "could": true, "will": true, "would": true,
	"should": true, "shall": true, "may": true, "might": true, "must": true, "have": true,
	"has": true, "had": true,

	"what": true, "who": true, "whom": true, "whose": true, "which": true, "where": true,
	"when": true, "why": true, "how": true,

	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true, "so": true,
	"if": true, "to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "about": true, "from": true, "by": true,

	"你好": true, "谢谢": true, "哈哈": true, "哈哈哈": true, "在吗": true, "和": true, "跟": true,
}

type span struct {
	start, end int
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

type selfMatch struct {
	span
	text string
}

type located struct {
	pos int
	Assertion
}

// Match scans msg and returns assertions in the order they occur in the
// text. A broadcast message yields nothing. No match is an empty result,
// not an error.
func Match(msg Message) []Assertion {
	text := msg.Text
	if strings.TrimSpace(text) == "" || msg.MentionsEveryone || broadcastPattern.MatchString(text) {
		return nil
	}

	selves := selfDeclarations(text)

	var found []located
	if msg.SenderID != "" {
		for _, m := range selves {
			found = append(found, located{pos: m.start, Assertion: Assertion{
				Kind:         SelfDeclaration,
				TargetUserID: msg.SenderID,
				Text:         m.text,
				Tier:         identity.TierSelf,
				Source:       identity.FromSelf,
			}})
		}
	}
	found = append(found, thirdParty(msg, selves)...)

	slices.SortStableFunc(found, func(a, b located) int {
		return a.pos - b.pos
	})

	var out []Assertion
	for _, f := range found {
		out = append(out, f.Assertion)
	}
	return out
}

// selfDeclarations collects matches from every pattern and keeps the longest
// of any overlapping group.
func selfDeclarations(text string) []selfMatch {
	var all []selfMatch
	for _, p := range selfPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			if !speaksForSelf(text, loc[0], p.leadIn) {
				continue
			}
			all = append(all, selfMatch{
				span: span{loc[0], loc[1]},
				text: text[loc[2]:loc[3]],
			})
		}
	}

	slices.SortStableFunc(all, func(a, b selfMatch) int {
		if a.start != b.start {
			return a.start - b.start
		}
		return (b.end - b.start) - (a.end - a.start)
	})

	var kept []selfMatch
	for _, m := range all {
		if len(kept) > 0 && kept[len(kept)-1].overlaps(m.span) {
			last := &kept[len(kept)-1]
			if m.end-m.start > last.end-last.start {
				*last = m
			}
			continue
		}
		kept = append(kept, m)
	}

	out := kept[:0]
	for _, m := range kept {
		if _, ok := identity.NormalizeNickname(m.text); ok && !notNames[strings.ToLower(m.text)] {
			out = append(out, m)
		}
	}
	return out
}

// speaksForSelf reports whether a phrase starting at pos is an unnegated
// statement by the sender about themselves.
func speaksForSelf(text string, pos int, leadIn *regexp.Regexp) bool {
	clause := text[:pos]
	if breaks := clauseBreak.FindAllStringIndex(clause, -1); len(breaks) > 0 {
		clause = clause[breaks[len(breaks)-1][1]:]
	}
	clause = mentionPattern.ReplaceAllString(clause, "")

	if negation.MatchString(clause) {
		return false
	}
	return leadIn == nil || leadIn.MatchString(clause)
}

func thirdParty(msg Message, selves []selfMatch) []located {
	resolvable := make(map[string]bool, len(msg.Mentions))
	for _, id := range msg.Mentions {
		resolvable[id] = true
	}

	text := msg.Text
	markers := mentionPattern.FindAllStringSubmatchIndex(text, -1)

	var out []located
	var taken []span
	seen := make(map[string]bool)

	for i, m := range markers {
		target := text[m[2]:m[3]]
		if !resolvable[target] || target == msg.SenderID || seen[target] {
			continue
		}

		// The token may not reach into a neighbouring marker.
		lo, hi := 0, len(text)
		if i > 0 {
			lo = markers[i-1][1]
		}
		if i+1 < len(markers) {
			hi = markers[i+1][0]
		}

		tok, ok := tokenAfter(text, m[1], hi)
		if !ok || blocked(tok, selves, taken) {
			tok, ok = tokenBefore(text, lo, m[0])
		}
		if !ok || blocked(tok, selves, taken) {
			continue
		}

		seen[target] = true
		taken = append(taken, tok.span)
		out = append(out, located{pos: m[0], Assertion: Assertion{
			Kind:         ThirdPartyAddress,
			TargetUserID: target,
			Text:         tok.text,
			Tier:         identity.TierOther,
			Source:       identity.FromOther,
		}})
	}
	return out
}

type token struct {
	span
	text string
}

func tokenAfter(text string, from, limit int) (token, bool) {
	loc := afterMention.FindStringSubmatchIndex(text[from:limit])
	if loc == nil {
		return token{}, false
	}
	start, end := from+loc[2], from+loc[3]
	if lowerLatin(text[start:end]) && !followedByBreak(text[end:]) {
		return token{}, false
	}
	return newToken(text, start, end)
}

func tokenBefore(text string, limit, to int) (token, bool) {
	loc := beforeMention.FindStringSubmatchIndex(text[limit:to])
	if loc == nil {
		return token{}, false
	}
	start, end := limit+loc[2], limit+loc[3]
	if lowerLatin(text[start:end]) && !precededByBreak(text[:start]) {
		return token{}, false
	}
	return newToken(text, start, end)
}

// lowerLatin reports whether s is a Latin-script word that does not start
// with a capital. Such a word next to a mention is usually the start of a
// sentence ("<@1> can you help") rather than a name.
func lowerLatin(s string) bool {
	first, _ := utf8.DecodeRuneInString(s)
	if !unicode.IsLower(first) {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}

// followedByBreak reports whether rest, after blanks, is empty or starts
// with punctuation or a line break.
func followedByBreak(rest string) bool {
	rest = strings.TrimLeft(rest, " \t")
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return r == '\n' || unicode.IsPunct(r)
}

// precededByBreak is followedByBreak looking backwards.
func precededByBreak(rest string) bool {
	rest = strings.TrimRight(rest, " \t")
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(rest)
	return r == '\n' || unicode.IsPunct(r)
}

func newToken(text string, start, end int) (token, bool) {
	s := text[start:end]
	if utf8.RuneCountInString(s) > MaxThirdPartyRunes || fillers[strings.ToLower(s)] {
		return token{}, false
	}
	if _, ok := identity.NormalizeNickname(s); !ok {
		return token{}, false
	}
	return token{span: span{start, end}, text: s}, true
}

// blocked reports whether tok lies inside a self-declaration or was already
// claimed by an earlier third-party match.
func blocked(tok token, selves []selfMatch, taken []span) bool {
	for _, s := range selves {
		if s.overlaps(tok.span) {
			return true
		}
	}
	for _, t := range taken {
		if t.overlaps(tok.span) {
			return true
		}
	}
	return false
}
