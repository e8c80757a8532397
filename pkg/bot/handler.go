package bot

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"namecard/pkg/annotate"
	"namecard/pkg/llm"
	"namecard/pkg/logging"
	"namecard/pkg/persona"
)

const maxMessageLength = 2000

var mentionMarker = regexp.MustCompile(`<@!?(\d+)>`)

type Options struct {
	// AnnotateSystemPrompt puts the identity block into the system prompt
	// instead of the user's message.
	AnnotateSystemPrompt bool
	StorageLocation      string
	Logger               *zap.Logger
}

type Handler struct {
	persona  *persona.Service
	llm      Completer
	platform *PlatformLookup
	opts     Options
	log      *zap.Logger

	botID   string
	botName string
	wg      sync.WaitGroup

	processingUsers map[string]bool
	processingMu    sync.Mutex
}

func NewHandler(p *persona.Service, c Completer, platform *PlatformLookup, opts Options) *Handler {
	return &Handler{
		persona:         p,
		llm:             c,
		platform:        platform,
		opts:            opts,
		log:             logging.Component(opts.Logger, "bot"),
		processingUsers: make(map[string]bool),
	}
}

func (h *Handler) SetBotUser(id, name string) {
	h.botID = id
	h.botName = name
}

func (h *Handler) MessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	h.HandleMessage(&DiscordSession{s}, m)
}

func (h *Handler) HandleMessage(s Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == h.botID || m.Author.Bot {
		return
	}

	ctx := context.Background()
	sender := persona.Participant{UserID: m.Author.ID, DisplayName: displayName(m.Author, m.Member)}
	mentioned := h.mentionedParticipants(m)

	ids := make([]string, len(mentioned))
	for i, p := range mentioned {
		ids[i] = p.UserID
	}
	h.persona.OnMessage(ctx, persona.Message{
		SenderID:         sender.UserID,
		DisplayName:      sender.DisplayName,
		Text:             m.Content,
		Mentions:         ids,
		MentionsEveryone: m.MentionEveryone,
	})

	if !h.shouldReply(s, m) {
		return
	}

	h.processingMu.Lock()
	if h.processingUsers[m.Author.ID] {
		h.processingMu.Unlock()
		return
	}
	h.processingUsers[m.Author.ID] = true
	h.processingMu.Unlock()

	h.wg.Add(1)
	defer func() {
		h.processingMu.Lock()
		delete(h.processingUsers, m.Author.ID)
		h.processingMu.Unlock()
		h.wg.Done()
	}()

	mentioned = h.appendNamedParticipants(m, mentioned)
	h.lookupPlatform(ctx, m, sender, mentioned)

	annotation := h.persona.OnLLMRequest(sender, mentioned)
	messages := h.buildMessages(annotation, sender, h.stripBotMention(m.Content))

	s.ChannelTyping(m.ChannelID)

	reply, err := h.llm.Complete(ctx, messages)
	if err != nil {
		h.log.Error("failed to get a reply", zap.String("channel", m.ChannelID), zap.Error(err))
		s.ChannelMessageSendReply(m.ChannelID, "sorry, I can't think straight right now. try again in a bit?", m.Reference())
		return
	}

	h.sendSplitMessage(s, m.ChannelID, reply, m.Reference())
}

func (h *Handler) shouldReply(s Session, m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == h.botID {
			return true
		}
	}
	if m.GuildID != "" {
		return false
	}
	channel, err := s.Channel(m.ChannelID)
	return err == nil && channel.Type == discordgo.ChannelTypeDM
}

// mentionedParticipants lists mentioned users other than the bot and the
// author, ordered by where they first appear in the text.
func (h *Handler) mentionedParticipants(m *discordgo.MessageCreate) []persona.Participant {
	position := make(map[string]int)
	for i, loc := range mentionMarker.FindAllStringSubmatchIndex(m.Content, -1) {
		id := m.Content[loc[2]:loc[3]]
		if _, seen := position[id]; !seen {
			position[id] = i
		}
	}

	users := make([]*discordgo.User, 0, len(m.Mentions))
	seen := make(map[string]bool)
	for _, u := range m.Mentions {
		if u == nil || u.ID == h.botID || u.ID == m.Author.ID || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		users = append(users, u)
	}
	slices.SortStableFunc(users, func(a, b *discordgo.User) int {
		return rank(position, a.ID) - rank(position, b.ID)
	})

	out := make([]persona.Participant, len(users))
	for i, u := range users {
		out[i] = persona.Participant{UserID: u.ID, DisplayName: displayName(u, nil)}
	}
	return out
}

// appendNamedParticipants adds users the text calls by a learned nickname
// without mentioning them, in order of first appearance.
func (h *Handler) appendNamedParticipants(m *discordgo.MessageCreate, mentioned []persona.Participant) []persona.Participant {
	seen := map[string]bool{h.botID: true, m.Author.ID: true}
	for _, p := range mentioned {
		seen[p.UserID] = true
	}
	for _, a := range h.persona.UsersNamedIn(mentionMarker.ReplaceAllString(m.Content, " ")) {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		mentioned = append(mentioned, persona.Participant{UserID: a.UserID, DisplayName: a.Nickname})
	}
	return mentioned
}

func rank(position map[string]int, id string) int {
	if p, ok := position[id]; ok {
		return p
	}
	return len(position)
}

func (h *Handler) lookupPlatform(ctx context.Context, m *discordgo.MessageCreate, sender persona.Participant, mentioned []persona.Participant) {
	if h.platform == nil || m.GuildID == "" {
		return
	}

	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
		if roles == nil {
			roles = []string{}
		}
	}
	g, ok := h.platform.Lookup(ctx, m.GuildID, sender.UserID, roles)
	h.persona.OnPlatformLookup(sender.UserID, g, ok)

	for _, p := range mentioned {
		g, ok := h.platform.Lookup(ctx, m.GuildID, p.UserID, nil)
		h.persona.OnPlatformLookup(p.UserID, g, ok)
	}
}

func (h *Handler) buildMessages(a annotate.Annotation, sender persona.Participant, content string) []llm.Message {
	system := fmt.Sprintf(SystemPrompt, h.nameOrDefault(), sender.DisplayName)
	if h.opts.AnnotateSystemPrompt {
		system = annotate.Splice(a, system)
	} else {
		content = annotate.Splice(a, content)
	}
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: content},
	}
}

func (h *Handler) nameOrDefault() string {
	if h.botName == "" {
		return "the assistant"
	}
	return h.botName
}

func (h *Handler) stripBotMention(content string) string {
	if h.botID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+h.botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+h.botID+">", "")
	return strings.TrimSpace(content)
}

// displayName prefers the guild nickname, then the global display name.
func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (h *Handler) sendSplitMessage(s Session, channelID, content string, reference *discordgo.MessageReference) {
	parts := strings.Split(content, "\n\n")

	isFirstPart := true
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if utf8.RuneCountInString(part) > maxMessageLength {
			part = string([]rune(part)[:maxMessageLength])
		}

		var err error
		if reference == nil {
			_, err = s.ChannelMessageSend(channelID, part)
		} else if isFirstPart {
			_, err = s.ChannelMessageSendReply(channelID, part, reference)
			isFirstPart = false
		} else {
			// Later parts stay threaded to the message without pinging again.
			_, err = s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
				Content:   part,
				Reference: reference,
				AllowedMentions: &discordgo.MessageAllowedMentions{
					RepliedUser: false,
				},
			})
		}

		if err != nil {
			h.log.Warn("failed to send message part", zap.String("channel", channelID), zap.Error(err))
		}
	}
}

// RunMaintenance drives expiry and persistence until ctx is done.
func (h *Handler) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, err := h.persona.OnPeriodicTick(ctx, now)
			if err != nil {
				continue
			}
			if report.Swept > 0 || report.Flushed {
				h.log.Debug("maintenance tick", zap.Int("swept", report.Swept), zap.Bool("flushed", report.Flushed))
			}
		}
	}
}

func (h *Handler) WaitForReady() {
	h.wg.Wait()
}
