package bot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// getUserFromInteraction extracts the user ID and name from an interaction
// It handles both guild (Member) and DM (User) contexts
func getUserFromInteraction(i *discordgo.InteractionCreate) (string, string, error) {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID, displayName(i.Member.User, i.Member), nil
	}
	if i.User != nil {
		return i.User.ID, displayName(i.User, nil), nil
	}
	return "", "", fmt.Errorf("could not determine user from interaction")
}
