package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the persisted form of a cache: two JSON documents keyed by user id.
//
//	Genders:   {"<user>": {"gender", "genderSource", "updatedAt"}}
//	Nicknames: {"<user>": [{"text", "tier", "source", "lastSeen", "useCount"}, ...]}
type Snapshot struct {
	Genders   []byte
	Nicknames []byte
}

// LoadReport describes what Deserialize kept and dropped.
type LoadReport struct {
	Users   int
	Skipped int
	Legacy  int
}

type genderDoc struct {
	Gender       Gender       `json:"gender"`
	GenderSource GenderSource `json:"genderSource"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// genderDocIn also accepts the legacy {gender, timestamp} shape.
type genderDocIn struct {
	Gender       string    `json:"gender"`
	GenderSource string    `json:"genderSource"`
	UpdatedAt    *flexTime `json:"updatedAt"`
	Timestamp    *flexTime `json:"timestamp"`
}

type nicknameDocIn struct {
	Text     string    `json:"text"`
	Tier     int       `json:"tier"`
	Source   string    `json:"source"`
	LastSeen *flexTime `json:"lastSeen"`
	UseCount int       `json:"useCount"`
}

// legacyAddressDoc is the legacy address cache entry.
type legacyAddressDoc struct {
	Addresses []struct {
		Address   string    `json:"address"`
		Priority  int       `json:"priority"`
		Source    string    `json:"source"`
		Timestamp *flexTime `json:"timestamp"`
	} `json:"addresses"`
	LastUpdated *flexTime `json:"last_updated"`
}

// flexTime decodes RFC 3339, naive ISO 8601 (local time) and unix seconds.
type flexTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	} else {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", s)
		}
		t.Time = time.Unix(secs, 0)
		return nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t *flexTime) value() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time
}

func marshalDoc(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Serialize produces the full cache state.
func (c *Cache) Serialize() (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serializeLocked()
}

func (c *Cache) serializeLocked() (Snapshot, error) {
	genders := make(map[string]genderDoc, len(c.records))
	nicknames := make(map[string][]NicknameEntry, len(c.records))

	for id, rec := range c.records {
		genders[id] = genderDoc{
			Gender:       rec.gender,
			GenderSource: rec.genderSource,
			UpdatedAt:    rec.updatedAt.UTC(),
		}
		if len(rec.nicknames) == 0 {
			continue
		}
		entries := make([]NicknameEntry, len(rec.nicknames))
		for i, e := range rec.nicknames {
			e.LastSeen = e.LastSeen.UTC()
			entries[i] = e
		}
		nicknames[id] = entries
	}

	g, err := marshalDoc(genders)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode gender document: %w", err)
	}
	n, err := marshalDoc(nicknames)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode nickname document: %w", err)
	}
	return Snapshot{Genders: g, Nicknames: n}, nil
}

// Deserialize replaces the cache contents with snap. It never gives up on the
// whole snapshot because of one bad user: unparseable users and entries are
// skipped and counted. A returned error describes document level damage; the
// cache is still usable and holds whatever could be recovered.
func (c *Cache) Deserialize(snap Snapshot) (LoadReport, error) {
	var report LoadReport
	var errs []error

	records := make(map[string]*record)
	get := func(id string) *record {
		rec, ok := records[id]
		if !ok {
			rec = newRecord(id, time.Time{})
			records[id] = rec
		}
		return rec
	}

	genderRaw, err := splitDoc(snap.Genders)
	if err != nil {
		errs = append(errs, fmt.Errorf("gender document: %w", err))
	}
	for id, raw := range genderRaw {
		var in genderDocIn
		if id == "" || json.Unmarshal(raw, &in) != nil {
			report.Skipped++
			continue
		}
		g := Gender(in.Gender)
		if !g.valid() {
			report.Skipped++
			continue
		}
		src := GenderSource(in.GenderSource)
		updated := in.UpdatedAt.value()
		if in.GenderSource == "" {
			// Legacy documents have no provenance; anything they knew was inferred.
			src = SourceHeuristic
			if g == Unknown {
				src = SourceUnset
			}
			if updated.IsZero() {
				updated = in.Timestamp.value()
			}
			report.Legacy++
		} else if src.precedence() < 0 {
			report.Skipped++
			continue
		}
		rec := get(id)
		rec.gender = g
		rec.genderSource = src
		rec.updatedAt = updated
	}

	nickRaw, err := splitDoc(snap.Nicknames)
	if err != nil {
		errs = append(errs, fmt.Errorf("nickname document: %w", err))
	}
	for id, raw := range nickRaw {
		if id == "" {
			report.Skipped++
			continue
		}
		entries, lastUpdated, legacy, ok := decodeNicknames(raw, &report)
		if !ok {
			report.Skipped++
			continue
		}
		if legacy {
			report.Legacy++
		}
		rec := get(id)
		for _, e := range entries {
			rec.nicknames = append(rec.nicknames, e)
			if e.LastSeen.After(rec.updatedAt) {
				rec.updatedAt = e.LastSeen
			}
		}
		if lastUpdated.After(rec.updatedAt) {
			rec.updatedAt = lastUpdated
		}
	}

	for _, rec := range records {
		rec.nicknames = dedupeNicknames(rec.nicknames)
		for i := range rec.nicknames {
			if rec.nicknames[i].LastSeen.IsZero() {
				rec.nicknames[i].LastSeen = rec.updatedAt
			}
		}
		rec.sortNicknames()
		rec.prune(c.maxNicknames)
	}
	report.Users = len(records)

	c.mu.Lock()
	c.records = records
	c.dirty = report.Skipped > 0 || report.Legacy > 0
	c.mu.Unlock()

	return report, errors.Join(errs...)
}

func splitDoc(data []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeNicknames accepts the current array form and the legacy
// {"addresses": [...]} form. Entries with invalid values are dropped one by one.
func decodeNicknames(raw json.RawMessage, report *LoadReport) ([]NicknameEntry, time.Time, bool, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, time.Time{}, false, false
	}

	if trimmed[0] == '[' {
		var in []nicknameDocIn
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return nil, time.Time{}, false, false
		}
		out := make([]NicknameEntry, 0, len(in))
		for _, e := range in {
			entry, ok := validEntry(e.Text, Tier(e.Tier), NicknameSource(e.Source), e.LastSeen.value(), e.UseCount)
			if !ok {
				report.Skipped++
				continue
			}
			out = append(out, entry)
		}
		return out, time.Time{}, false, true
	}

	var legacy legacyAddressDoc
	if err := json.Unmarshal(trimmed, &legacy); err != nil {
		return nil, time.Time{}, false, false
	}
	if legacy.Addresses == nil && legacy.LastUpdated == nil {
		return nil, time.Time{}, false, false
	}
	out := make([]NicknameEntry, 0, len(legacy.Addresses))
	for _, a := range legacy.Addresses {
		tier := Tier(a.Priority)
		entry, ok := validEntry(a.Address, tier, sourceForTier(tier, a.Source), a.Timestamp.value(), 1)
		if !ok {
			report.Skipped++
			continue
		}
		out = append(out, entry)
	}
	return out, legacy.LastUpdated.value(), true, true
}

func validEntry(text string, tier Tier, source NicknameSource, lastSeen time.Time, useCount int) (NicknameEntry, bool) {
	text, ok := NormalizeNickname(text)
	if !ok || !tier.valid() {
		return NicknameEntry{}, false
	}
	if !source.valid() {
		source = sourceForTier(tier, "")
	}
	if useCount < 1 {
		useCount = 1
	}
	return NicknameEntry{
		Text:     text,
		Tier:     tier,
		Source:   source,
		LastSeen: lastSeen,
		UseCount: useCount,
	}, true
}

// sourceForTier maps a tier, or a legacy "self_<message id>" tag, onto a source.
func sourceForTier(tier Tier, hint string) NicknameSource {
	if strings.HasPrefix(hint, "self") {
		return FromSelf
	}
	switch tier {
	case TierSelf:
		return FromSelf
	case TierOther:
		return FromOther
	default:
		return FromDerived
	}
}

// dedupeNicknames merges repeated texts the way a re-observation would.
func dedupeNicknames(in []NicknameEntry) []NicknameEntry {
	out := in[:0]
	index := make(map[string]int, len(in))
	for _, e := range in {
		i, seen := index[e.Text]
		if !seen {
			index[e.Text] = len(out)
			out = append(out, e)
			continue
		}
		cur := &out[i]
		cur.UseCount += e.UseCount
		if e.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = e.LastSeen
		}
		if e.Tier > cur.Tier {
			cur.Tier = e.Tier
			cur.Source = e.Source
		}
	}
	return out
}
