package identity

import (
	"time"
)

// Gender is the best-effort gender classification of a user.
type Gender string

const (
	Male    Gender = "male"
	Female  Gender = "female"
	Unknown Gender = "unknown"
)

// ParseGender maps free-form input onto a Gender. Anything unrecognised is Unknown.
func ParseGender(s string) Gender {
	switch s {
	case "male", "m", "man", "男", "男性":
		return Male
	case "female", "f", "woman", "女", "女性":
		return Female
	default:
		return Unknown
	}
}

func (g Gender) valid() bool {
	return g == Male || g == Female || g == Unknown
}

// GenderSource records how a gender value was determined.
type GenderSource string

const (
	SourceUnset     GenderSource = "unset"
	SourceHeuristic GenderSource = "heuristic"
	SourcePlatform  GenderSource = "platform"
	SourceExplicit  GenderSource = "explicit"
)

// precedence orders sources: explicit > platform > heuristic > unset.
func (s GenderSource) precedence() int {
	switch s {
	case SourceExplicit:
		return 3
	case SourcePlatform:
		return 2
	case SourceHeuristic:
		return 1
	case SourceUnset:
		return 0
	default:
		return -1
	}
}

// Tier is the priority of a nickname assertion. Higher wins.
type Tier int

const (
	TierDerived Tier = 1
	TierOther   Tier = 2
	TierSelf    Tier = 3
)

func (t Tier) valid() bool {
	return t >= TierDerived && t <= TierSelf
}

// Label is the human readable name of a tier, used by the /gender command.
func (t Tier) Label() string {
	switch t {
	case TierSelf:
		return "self-declared"
	case TierOther:
		return "called by others"
	case TierDerived:
		return "default"
	default:
		return "other"
	}
}

// NicknameSource is informational; it tells where an entry came from.
type NicknameSource string

const (
	FromSelf    NicknameSource = "self"
	FromOther   NicknameSource = "other"
	FromDerived NicknameSource = "derived"
)

func (s NicknameSource) valid() bool {
	return s == FromSelf || s == FromOther || s == FromDerived
}

// NicknameEntry is one address form known for a user.
type NicknameEntry struct {
	Text     string         `json:"text"`
	Tier     Tier           `json:"tier"`
	Source   NicknameSource `json:"source"`
	LastSeen time.Time      `json:"lastSeen"`
	UseCount int            `json:"useCount"`
}

// Record is a copy of everything the cache knows about one user.
// Mutating a Record never changes the cache.
type Record struct {
	UserID       string
	Gender       Gender
	GenderSource GenderSource
	Nicknames    []NicknameEntry
	UpdatedAt    time.Time
}

// BestAddress returns the highest ranked nickname, if any.
func (r Record) BestAddress() (string, bool) {
	if len(r.Nicknames) == 0 {
		return "", false
	}
	return r.Nicknames[0].Text, true
}

// record is the cache-owned mutable form of Record.
type record struct {
	userID       string
	gender       Gender
	genderSource GenderSource
	nicknames    []NicknameEntry
	updatedAt    time.Time
}

func newRecord(userID string, now time.Time) *record {
	return &record{
		userID:       userID,
		gender:       Unknown,
		genderSource: SourceUnset,
		updatedAt:    now,
	}
}

func (r *record) snapshot() Record {
	nicks := make([]NicknameEntry, len(r.nicknames))
	copy(nicks, r.nicknames)
	return Record{
		UserID:       r.userID,
		Gender:       r.gender,
		GenderSource: r.genderSource,
		Nicknames:    nicks,
		UpdatedAt:    r.updatedAt,
	}
}
