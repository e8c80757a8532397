package bot

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"namecard/pkg/identity"
)

var adminPermission int64 = discordgo.PermissionAdministrator

// SlashCommands defines all available slash commands
var SlashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "gender",
		Description: "Show what I know about how to address you (or someone else)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: "Whose info to show",
				Required:    false,
			},
		},
	},
	{
		Name:        "setgender",
		Description: "Tell me your gender so I address you correctly",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "gender",
				Description: "Your gender",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "male", Value: string(identity.Male)},
					{Name: "female", Value: string(identity.Female)},
					{Name: "prefer not to say", Value: string(identity.Unknown)},
				},
			},
		},
	},
	{
		Name:        "forget",
		Description: "Delete everything I know about how to address you",
	},
	{
		Name:                     "gender_debug",
		Description:              "Show identity cache status (administrators only)",
		DefaultMemberPermissions: &adminPermission,
	},
}

// SlashCommandHandlers maps command names to their handler functions
var SlashCommandHandlers = map[string]func(h *Handler, s Session, i *discordgo.InteractionCreate){
	"gender":       handleGenderCommand,
	"setgender":    handleSetGenderCommand,
	"forget":       handleForgetCommand,
	"gender_debug": handleGenderDebugCommand,
}

func respond(h *Handler, s Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		h.log.Warn("failed to respond to command", zap.String("command", i.ApplicationCommandData().Name), zap.Error(err))
	}
}

func handleGenderCommand(h *Handler, s Session, i *discordgo.InteractionCreate) {
	userID, userName, err := getUserFromInteraction(i)
	if err != nil {
		h.log.Warn("could not determine user for gender command")
		return
	}

	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "user" {
			if u := opt.UserValue(nil); u != nil {
				userID = u.ID
				userName = displayName(u, nil)
				if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
					if full, ok := resolved.Users[u.ID]; ok {
						userName = displayName(full, resolved.Members[u.ID])
					}
				}
			}
		}
	}

	rec, ok := h.persona.Describe(userID)
	respond(h, s, i, describeRecord(userName, userID, rec, ok))
}

// describeRecord renders the /gender answer.
func describeRecord(name, userID string, rec identity.Record, ok bool) string {
	if !ok {
		return fmt.Sprintf("I don't know anything about %s yet.", name)
	}

	var b strings.Builder
	b.WriteString("**👤 User info**\n")
	fmt.Fprintf(&b, "Name: %s\n", name)
	fmt.Fprintf(&b, "ID: %s\n", userID)
	fmt.Fprintf(&b, "Gender: %s (%s)\n", rec.Gender, rec.GenderSource)

	if best, ok := rec.BestAddress(); ok {
		fmt.Fprintf(&b, "Address: %s\n", best)
	}
	if len(rec.Nicknames) > 0 {
		b.WriteString("Nicknames:\n")
		for _, n := range rec.Nicknames {
			fmt.Fprintf(&b, "• %s (%s, used %d×)\n", n.Text, n.Tier.Label(), n.UseCount)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func handleSetGenderCommand(h *Handler, s Session, i *discordgo.InteractionCreate) {
	userID, _, err := getUserFromInteraction(i)
	if err != nil {
		return
	}

	var value string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "gender" {
			value = opt.StringValue()
		}
	}
	g := identity.ParseGender(value)
	h.persona.OnUserSetGender(userID, g)

	if g == identity.Unknown {
		respond(h, s, i, "Got it, I won't assume your gender.")
		return
	}
	respond(h, s, i, fmt.Sprintf("Got it, I'll remember you're %s.", g))
}

func handleForgetCommand(h *Handler, s Session, i *discordgo.InteractionCreate) {
	userID, _, err := getUserFromInteraction(i)
	if err != nil {
		return
	}

	forgot := h.persona.Forget(userID)
	if h.platform != nil {
		h.platform.Forget(userID)
	}
	if !forgot {
		respond(h, s, i, "I didn't have anything saved about you.")
		return
	}
	respond(h, s, i, "Done. I've forgotten your nicknames and gender.")
}

func handleGenderDebugCommand(h *Handler, s Session, i *discordgo.InteractionCreate) {
	if i.Member == nil || i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
		respond(h, s, i, "Only server administrators can use this.")
		return
	}

	stats := h.persona.Stats()
	lastFlush := "never"
	if !stats.LastFlush.IsZero() {
		lastFlush = stats.LastFlush.UTC().Format("2006-01-02 15:04:05 MST")
	}

	var b strings.Builder
	b.WriteString("**🔧 Identity cache**\n")
	fmt.Fprintf(&b, "Enabled: %t\n", h.persona.Enabled())
	fmt.Fprintf(&b, "Auto detect: %t\n", h.persona.AutoDetect())
	fmt.Fprintf(&b, "Max nicknames per user: %d\n", stats.MaxNicknames)
	fmt.Fprintf(&b, "Users: %d (gender known: %d)\n", stats.Records, stats.GendersKnown)
	fmt.Fprintf(&b, "Nicknames: %d\n", stats.Nicknames)
	fmt.Fprintf(&b, "Unsaved changes: %t\n", stats.Dirty)
	fmt.Fprintf(&b, "Last saved: %s\n", lastFlush)
	fmt.Fprintf(&b, "Storage: %s", h.opts.StorageLocation)
	respond(h, s, i, b.String())
}

// InteractionCreate handles all slash command interactions
func (h *Handler) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.HandleInteraction(&DiscordSession{s}, i)
}

func (h *Handler) HandleInteraction(s Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	commandName := i.ApplicationCommandData().Name
	if handler, ok := SlashCommandHandlers[commandName]; ok {
		handler(h, s, i)
	} else {
		h.log.Warn("unknown slash command", zap.String("command", commandName))
	}
}

// RegisterSlashCommands registers all slash commands with Discord
func RegisterSlashCommands(s *discordgo.Session, guildID string, logger *zap.Logger) ([]*discordgo.ApplicationCommand, error) {
	registered := make([]*discordgo.ApplicationCommand, len(SlashCommands))
	for i, cmd := range SlashCommands {
		// guildID "" registers globally
		rc, err := s.ApplicationCommandCreate(s.State.User.ID, guildID, cmd)
		if err != nil {
			return nil, fmt.Errorf("cannot create %q command: %w", cmd.Name, err)
		}
		registered[i] = rc
		logger.Info("registered command", zap.String("command", cmd.Name))
	}
	return registered, nil
}

// UnregisterSlashCommands removes all registered slash commands
func UnregisterSlashCommands(s *discordgo.Session, guildID string, commands []*discordgo.ApplicationCommand) error {
	for _, cmd := range commands {
		if err := s.ApplicationCommandDelete(s.State.User.ID, guildID, cmd.ID); err != nil {
			return fmt.Errorf("cannot delete %q command: %w", cmd.Name, err)
		}
	}
	return nil
}
