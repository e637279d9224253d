package suggestbot

import (
	"context"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	statsEmbedTitle  = "User Stats"
	statsEmbedColor  = 0x3498db
	statsEmbedFooter = "Stats Bot"
	statsDateFormat  = "01/02/2006"
	statsNoJoinDate  = "N/A"
)

// statsTarget returns the user `/stats` was invoked for, and their guild
// member data if discord included it. Without a user option, that's the
// invoking user.
func statsTarget(i *discordgo.InteractionCreate) (*discordgo.User, *discordgo.Member) {
	options := discordInteractionOptions(i)
	opt, ok := options[statsCommandUserOption]
	if !ok {
		return getDiscordUser(i), i.Member
	}

	data := i.ApplicationCommandData()
	userID, _ := opt.Value.(string)
	var user *discordgo.User
	var member *discordgo.Member
	if data.Resolved != nil {
		user = data.Resolved.Users[userID]
		member = data.Resolved.Members[userID]
	}
	if user == nil {
		user = &discordgo.User{ID: userID}
	}
	return user, member
}

// statsEmbed renders a user's stats
func statsEmbed(
	user *discordgo.User,
	member *discordgo.Member,
	stats UserStats,
) *discordgo.MessageEmbed {
	joined := statsNoJoinDate
	if member != nil && !member.JoinedAt.IsZero() {
		joined = member.JoinedAt.UTC().Format(statsDateFormat)
	}
	return &discordgo.MessageEmbed{
		Type:  discordgo.EmbedTypeRich,
		Title: statsEmbedTitle,
		Color: statsEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Username",
				Value:  capitalize(user.Username),
				Inline: true,
			},
			{
				Name:   "Total Messages Sent",
				Value:  strconv.FormatInt(stats.TotalMessages, 10),
				Inline: true,
			},
			{
				Name:   "Joined Server On",
				Value:  joined,
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: statsEmbedFooter},
	}
}

func (b *SuggestBot) handleStatsCommand(ctx context.Context, handler InteractionHandler) {
	logger := contextLoggerOr(ctx, handler.Logger())
	i := handler.GetInteraction()

	user, member := statsTarget(i)
	if user == nil || user.ID == "" {
		logger.WarnContext(ctx, "no user for stats")
		_ = handler.Respond(ctx, ephemeralResponse(discordErrorMessage))
		return
	}
	stats := b.messages.GetStats(user.ID)
	logger.InfoContext(
		ctx,
		"reporting stats",
		"user_id", user.ID,
		"total_messages", stats.TotalMessages,
	)

	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{statsEmbed(user, member, stats)},
		},
	}
	if err := handler.Respond(ctx, resp); err != nil {
		logger.ErrorContext(ctx, "error responding to stats command", tint.Err(err))
	}
}

