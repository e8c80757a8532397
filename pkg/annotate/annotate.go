// Package annotate renders the identity block that is spliced into outbound
// model requests. It only formats what it is given and never touches the cache.
package annotate

import (
	"fmt"
	"strings"

	"namecard/pkg/identity"
)

// Position decides where the block goes relative to the request content.
type Position string

const (
	Prefix Position = "prefix"
	Suffix Position = "suffix"
)

// ParsePosition maps a config value onto a Position; anything else is Prefix.
func ParsePosition(s string) Position {
	if strings.EqualFold(strings.TrimSpace(s), string(Suffix)) {
		return Suffix
	}
	return Prefix
}

// Config controls labels and placement.
type Config struct {
	GenderLabels   map[identity.Gender]string
	DefaultAddress map[identity.Gender]string
	Position       Position
}

// DefaultConfig matches the labels the bot ships with.
func DefaultConfig() Config {
	return Config{
		GenderLabels: map[identity.Gender]string{
			identity.Male:    "male",
			identity.Female:  "female",
			identity.Unknown: "gender unknown",
		},
		DefaultAddress: map[identity.Gender]string{
			identity.Male:    "先生",
			identity.Female:  "女士",
			identity.Unknown: "朋友",
		},
		Position: Prefix,
	}
}

// Entry is one participant of an exchange with the record resolved for it.
type Entry struct {
	DisplayName string
	Record      identity.Record
}

// Annotation is the rendered block and where it belongs.
type Annotation struct {
	Text     string
	Position Position
	Users    int
}

// Empty reports whether there is nothing to splice.
func (a Annotation) Empty() bool {
	return a.Text == ""
}

// Build renders one line per distinct user, in the order given. The caller
// passes the sender first, followed by mentioned users in order of first
// appearance; later duplicates of a user id are dropped.
func Build(entries []Entry, cfg Config) Annotation {
	var lines []string
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		id := e.Record.UserID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		lines = append(lines, line(e, cfg))
	}
	return Annotation{
		Text:     strings.Join(lines, "\n"),
		Position: cfg.positionOrDefault(),
		Users:    len(lines),
	}
}

func line(e Entry, cfg Config) string {
	gender := e.Record.Gender
	if gender == "" {
		gender = identity.Unknown
	}

	address, ok := e.Record.BestAddress()
	if !ok {
		address = lookup(cfg.DefaultAddress, gender)
	}

	name := strings.TrimSpace(e.DisplayName)
	if name == "" {
		name = e.Record.UserID
	}

	return fmt.Sprintf("[User info: %s(%s), %s]", name, address, lookup(cfg.GenderLabels, gender))
}

func lookup(m map[identity.Gender]string, g identity.Gender) string {
	if s, ok := m[g]; ok {
		return s
	}
	if s, ok := m[identity.Unknown]; ok {
		return s
	}
	return string(g)
}

func (c Config) positionOrDefault() Position {
	if c.Position == Suffix {
		return Suffix
	}
	return Prefix
}

// Splice places the annotation around content. Blank lines separate the two
// parts; an empty annotation returns content unchanged.
func Splice(a Annotation, content string) string {
	if a.Empty() {
		return content
	}
	if strings.TrimSpace(content) == "" {
		return a.Text
	}
	if a.Position == Suffix {
		return content + "\n\n" + a.Text
	}
	return a.Text + "\n\n" + content
}
