// Package persona is the entry point the chat host talks to. It feeds inbound
// messages through the matcher into the identity cache, builds annotations for
// outbound model requests and drives expiry and persistence on a tick.
package persona

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"namecard/pkg/annotate"
	"namecard/pkg/identity"
	"namecard/pkg/logging"
	"namecard/pkg/matcher"
	"namecard/pkg/metrics"
	"namecard/pkg/storage"
)

// Loader reads the snapshot the cache starts from.
type Loader interface {
	Load(ctx context.Context) (identity.Snapshot, error)
}

type Options struct {
	Cache      *identity.Cache
	Saver      identity.Saver
	Annotation annotate.Config

	// Enable switches the whole feature; AutoDetect switches learning from
	// message text and display names.
	Enable     bool
	AutoDetect bool

	ExpiryDays int
	// SweepEvery spaces out expiry sweeps; zero sweeps on every tick.
	SweepEvery time.Duration

	Logger  *zap.Logger
	Metrics metrics.Recorder
	Clock   func() time.Time
}

type Service struct {
	cache      *identity.Cache
	saver      identity.Saver
	annotation annotate.Config
	enable     bool
	autoDetect bool
	expiryDays int
	sweepEvery time.Duration
	log        *zap.Logger
	metrics    metrics.Recorder
	now        func() time.Time

	tickMu    sync.Mutex
	lastSweep time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Cache == nil {
		return nil, errors.New("persona: cache is required")
	}
	if opts.Saver == nil {
		return nil, errors.New("persona: saver is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Annotation.GenderLabels == nil {
		opts.Annotation = annotate.DefaultConfig()
	}

	return &Service{
		cache:      opts.Cache,
		saver:      opts.Saver,
		annotation: opts.Annotation,
		enable:     opts.Enable,
		autoDetect: opts.AutoDetect,
		expiryDays: opts.ExpiryDays,
		sweepEvery: opts.SweepEvery,
		log:        logging.Component(opts.Logger, "persona"),
		metrics:    opts.Metrics,
		now:        opts.Clock,
	}, nil
}

// Restore loads persisted state into the cache. A missing or damaged snapshot
// leaves an empty (or partial) cache and is only logged.
func (s *Service) Restore(ctx context.Context, loader Loader) identity.LoadReport {
	snap, err := loader.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Info("no saved identities, starting empty")
		return identity.LoadReport{}
	}
	if err != nil {
		s.log.Warn("failed to read saved identities, starting empty", zap.Error(err))
		return identity.LoadReport{}
	}

	report, err := s.cache.Deserialize(snap)
	if err != nil {
		s.log.Warn("saved identities are damaged", zap.Error(err))
	}
	s.log.Info("restored identities",
		zap.Int("users", report.Users),
		zap.Int("skipped", report.Skipped),
		zap.Int("legacy", report.Legacy))
	s.metrics.SetRecords(s.cache.Len())
	return report
}

// Message is an inbound chat message as the host sees it.
type Message struct {
	SenderID         string
	DisplayName      string
	Text             string
	Mentions         []string
	MentionsEveryone bool
}

// OnMessage learns from one inbound message and returns the assertions that
// were applied.
func (s *Service) OnMessage(ctx context.Context, msg Message) []matcher.Assertion {
	if !s.enable || !s.autoDetect || msg.SenderID == "" {
		return nil
	}
	now := s.now()

	if !s.cache.Observe(msg.SenderID, msg.DisplayName, identity.TierDerived, identity.FromDerived, now) {
		s.cache.Touch(msg.SenderID)
	}
	if g := identity.HeuristicGender(msg.DisplayName); g != identity.Unknown {
		s.recordGender(identity.SourceHeuristic, s.cache.ObserveHeuristic(msg.SenderID, g))
	}

	assertions := matcher.Match(matcher.Message{
		SenderID:         msg.SenderID,
		Text:             msg.Text,
		Mentions:         msg.Mentions,
		MentionsEveryone: msg.MentionsEveryone,
	})

	applied := assertions[:0]
	for _, a := range assertions {
		if !s.cache.Observe(a.TargetUserID, a.Text, a.Tier, a.Source, now) {
			continue
		}
		applied = append(applied, a)
		s.metrics.RecordAssertion(a.Kind.String())
		s.log.Debug("learned address",
			zap.String("kind", a.Kind.String()),
			zap.String("user", a.TargetUserID),
			zap.String("text", a.Text))

		if a.Kind == matcher.SelfDeclaration {
			if g := identity.HeuristicGender(a.Text); g != identity.Unknown {
				s.recordGender(identity.SourceHeuristic, s.cache.ObserveHeuristic(a.TargetUserID, g))
			}
		}
	}
	return applied
}

// Participant is a user taking part in an exchange with the model.
type Participant struct {
	UserID      string
	DisplayName string
}

// OnLLMRequest resolves every participant and renders the annotation. The
// sender comes first, then mentioned users in the order given.
func (s *Service) OnLLMRequest(sender Participant, mentioned []Participant) annotate.Annotation {
	if !s.enable {
		return annotate.Annotation{Position: annotate.ParsePosition(string(s.annotation.Position))}
	}

	participants := append([]Participant{sender}, mentioned...)
	entries := make([]annotate.Entry, 0, len(participants))
	for _, p := range participants {
		if p.UserID == "" {
			continue
		}
		entries = append(entries, annotate.Entry{
			DisplayName: p.DisplayName,
			Record:      s.cache.Ensure(p.UserID),
		})
	}

	a := annotate.Build(entries, s.annotation)
	s.metrics.RecordAnnotation(a.Users)
	return a
}

// UsersNamedIn lists users that text calls by one of their learned
// nicknames, for annotating people who were named but not mentioned.
func (s *Service) UsersNamedIn(text string) []identity.Addressed {
	if !s.enable {
		return nil
	}
	return s.cache.UsersAddressedAs(text)
}

// OnUserSetGender records a gender the user stated themselves.
func (s *Service) OnUserSetGender(userID string, g identity.Gender) bool {
	applied := s.cache.SetExplicit(userID, g)
	s.recordGender(identity.SourceExplicit, applied)
	s.log.Info("gender set by user", zap.String("user", userID), zap.String("gender", string(g)))
	return applied
}

// OnPlatformLookup applies the result of a platform profile lookup. ok is
// false when the lookup failed or timed out, which carries no signal.
func (s *Service) OnPlatformLookup(userID string, g identity.Gender, ok bool) bool {
	if !ok {
		return false
	}
	applied := s.cache.ObservePlatform(userID, g)
	s.recordGender(identity.SourcePlatform, applied)
	return applied
}

func (s *Service) recordGender(src identity.GenderSource, applied bool) {
	s.metrics.RecordGenderUpdate(string(src), applied)
}

// TickReport says what one periodic tick did.
type TickReport struct {
	Swept   int
	Flushed bool
}

// OnPeriodicTick sweeps expired records, then writes the cache if it changed.
func (s *Service) OnPeriodicTick(ctx context.Context, now time.Time) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var report TickReport
	if s.sweepEvery <= 0 || s.lastSweep.IsZero() || now.Sub(s.lastSweep) >= s.sweepEvery {
		report.Swept = s.cache.SweepExpired(now, s.expiryDays)
		s.lastSweep = now
		s.metrics.RecordSweep(report.Swept)
		if report.Swept > 0 {
			s.log.Info("expired identities removed", zap.Int("count", report.Swept))
		}
	}
	s.metrics.SetRecords(s.cache.Len())

	flushed, err := s.flushLocked(ctx)
	report.Flushed = flushed
	return report, err
}

// Flush writes the cache now if it has unsaved changes. Flushes never overlap.
func (s *Service) Flush(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	_, err := s.flushLocked(ctx)
	return err
}

// flushLocked requires tickMu.
func (s *Service) flushLocked(ctx context.Context) (bool, error) {
	start := time.Now()
	flushed, err := s.cache.FlushIfDirty(ctx, s.saver)
	if !flushed && err == nil {
		return false, nil
	}
	s.metrics.RecordFlush(err, time.Since(start))
	if err != nil {
		s.log.Error("failed to save identities", zap.Error(err))
		return false, fmt.Errorf("failed to flush identity cache: %w", err)
	}
	s.log.Debug("identities saved", zap.Duration("took", time.Since(start)))
	return true, nil
}

// Forget drops everything known about a user.
func (s *Service) Forget(userID string) bool {
	return s.cache.Forget(userID)
}

// Describe returns what is known about a user without creating a record.
func (s *Service) Describe(userID string) (identity.Record, bool) {
	return s.cache.Get(userID)
}

func (s *Service) Stats() identity.Stats {
	return s.cache.Stats()
}

func (s *Service) Enabled() bool {
	return s.enable
}

func (s *Service) AutoDetect() bool {
	return s.autoDetect
}

// Close writes any unsaved changes. The cache stays usable.
func (s *Service) Close(ctx context.Context) error {
	return s.Flush(ctx)
}
