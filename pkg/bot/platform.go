package bot

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"namecard/pkg/identity"
	"namecard/pkg/logging"
	"namecard/pkg/metrics"
)

// PlatformLookup derives a gender from the pronoun roles a guild member has.
// Results, including "no signal", are cached per guild member so the REST
// API is hit at most once per TTL.
type PlatformLookup struct {
	members  MemberSource
	roles    map[string]identity.Gender
	timeout  time.Duration
	results  *expirable.LRU[string, lookupResult]
	roleName *expirable.LRU[string, map[string]string]
	metrics  metrics.Recorder
	log      *zap.Logger
}

type lookupResult struct {
	gender identity.Gender
	ok     bool
}

type PlatformOptions struct {
	// PronounRoles maps role names to genders; names match case-insensitively.
	PronounRoles map[string]string
	Timeout      time.Duration
	CacheSize    int
	CacheTTL     time.Duration
	Metrics      metrics.Recorder
	Logger       *zap.Logger
}

func NewPlatformLookup(members MemberSource, opts PlatformOptions) *PlatformLookup {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	roles := make(map[string]identity.Gender, len(opts.PronounRoles))
	for name, g := range opts.PronounRoles {
		roles[strings.ToLower(strings.TrimSpace(name))] = identity.ParseGender(g)
	}

	return &PlatformLookup{
		members:  members,
		roles:    roles,
		timeout:  opts.Timeout,
		results:  expirable.NewLRU[string, lookupResult](opts.CacheSize, nil, opts.CacheTTL),
		roleName: expirable.NewLRU[string, map[string]string](64, nil, opts.CacheTTL),
		metrics:  opts.Metrics,
		log:      logging.Component(opts.Logger, "platform"),
	}
}

// Lookup reports the gender implied by a member's roles. roleIDs may be nil,
// in which case the member is fetched. ok is false when the member has no
// pronoun role or the platform could not be reached in time.
func (p *PlatformLookup) Lookup(ctx context.Context, guildID, userID string, roleIDs []string) (identity.Gender, bool) {
	if guildID == "" || userID == "" || len(p.roles) == 0 {
		return identity.Unknown, false
	}

	key := guildID + ":" + userID
	if r, hit := p.results.Get(key); hit {
		p.metrics.RecordPlatformLookup("cached")
		return r.gender, r.ok
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	r, err := p.lookup(ctx, guildID, userID, roleIDs)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "timeout"
		}
		p.metrics.RecordPlatformLookup(outcome)
		p.log.Debug("platform lookup failed", zap.String("user", userID), zap.Error(err))
		return identity.Unknown, false
	}

	p.results.Add(key, r)
	if r.ok {
		p.metrics.RecordPlatformLookup("found")
	} else {
		p.metrics.RecordPlatformLookup("none")
	}
	return r.gender, r.ok
}

func (p *PlatformLookup) lookup(ctx context.Context, guildID, userID string, roleIDs []string) (lookupResult, error) {
	if roleIDs == nil {
		member, err := p.members.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return lookupResult{}, err
		}
		roleIDs = member.Roles
	}
	if len(roleIDs) == 0 {
		return lookupResult{gender: identity.Unknown}, nil
	}

	names, err := p.guildRoleNames(ctx, guildID)
	if err != nil {
		return lookupResult{}, err
	}

	for _, id := range roleIDs {
		if g, ok := p.roles[strings.ToLower(names[id])]; ok {
			return lookupResult{gender: g, ok: g != identity.Unknown}, nil
		}
	}
	return lookupResult{gender: identity.Unknown}, nil
}

func (p *PlatformLookup) guildRoleNames(ctx context.Context, guildID string) (map[string]string, error) {
	if names, ok := p.roleName.Get(guildID); ok {
		return names, nil
	}
	roles, err := p.members.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(roles))
	for _, r := range roles {
		names[r.ID] = r.Name
	}
	p.roleName.Add(guildID, names)
	return names, nil
}

// Forget drops cached results for a user in every guild.
func (p *PlatformLookup) Forget(userID string) {
	suffix := ":" + userID
	for _, key := range p.results.Keys() {
		if strings.HasSuffix(key, suffix) {
			p.results.Remove(key)
		}
	}
}
