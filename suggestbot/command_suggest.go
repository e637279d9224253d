package suggestbot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	customIDThumbsUp   = "thumbs_up"
	customIDThumbsDown = "thumbs_down"

	emojiThumbsUp   = "👍"
	emojiThumbsDown = "👎"

	suggestionEmbedColor = 0xe67e22

	suggestionFieldUpVotes      = emojiThumbsUp + " Up Votes"
	suggestionFieldDownVotes    = emojiThumbsDown + " Down Votes"
	suggestionFieldDistribution = "Vote Distribution"
	suggestionNoVotes           = "No votes yet."

	suggestionTitleInvalidMessage       = "The title must be between 5 and 50 characters long."
	suggestionDescriptionInvalidMessage = "The description must be between 10 and 500 characters long."
)

// Suggestion is the input to `/suggest`
type Suggestion struct {
	Title       string `json:"title" binding:"min=5,max=50"`
	Description string `json:"description" binding:"min=10,max=500"`
}

// Validate returns the message shown to the user when the suggestion is
// invalid. The title is checked before the description.
func (s Suggestion) Validate() (string, error) {
	err := structValidator.Struct(s)
	if err == nil {
		return "", nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "", err
	}
	var titleErr, descriptionErr bool
	for _, fe := range validationErrs {
		switch fe.Field() {
		case "Title":
			titleErr = true
		case "Description":
			descriptionErr = true
		}
	}
	switch {
	case titleErr:
		return suggestionTitleInvalidMessage, err
	case descriptionErr:
		return suggestionDescriptionInvalidMessage, err
	default:
		return "", err
	}
}

// suggestionEmbed builds the suggestion embed from the given tally. The
// title, description, footer and timestamp are copied from base, when
// given, so an edit only changes the vote fields.
func suggestionEmbed(
	base *discordgo.MessageEmbed,
	suggestion Suggestion,
	tally Tally,
) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       suggestion.Title,
		Description: suggestion.Description,
		Color:       suggestionEmbedColor,
	}
	if base != nil {
		embed.Title = base.Title
		embed.Description = base.Description
		embed.Footer = base.Footer
		embed.Timestamp = base.Timestamp
		if base.Color != 0 {
			embed.Color = base.Color
		}
	}
	embed.Fields = suggestionVoteFields(tally)
	return embed
}

func suggestionVoteFields(tally Tally) []*discordgo.MessageEmbedField {
	view := tally.View()
	distribution := suggestionNoVotes
	if tally.Total() > 0 {
		distribution = view.Bar
	}
	return []*discordgo.MessageEmbedField{
		{
			Name:  suggestionFieldUpVotes,
			Value: fmt.Sprintf("%d (%s)", tally.Up, FormatPercent(view.UpPercent)),
		},
		{
			Name:  suggestionFieldDownVotes,
			Value: fmt.Sprintf("%d (%s)", tally.Down, FormatPercent(view.DownPercent)),
		},
		{
			Name:  suggestionFieldDistribution,
			Value: distribution,
		},
	}
}

func suggestionButtons() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    emojiThumbsUp,
					Style:    discordgo.SuccessButton,
					CustomID: customIDThumbsUp,
				},
				discordgo.Button{
					Label:    emojiThumbsDown,
					Style:    discordgo.DangerButton,
					CustomID: customIDThumbsDown,
				},
			},
		},
	}
}

// ephemeralResponse returns a message response only visible to the
// user who triggered the interaction
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// suggestCommandResponse returns the response to `/suggest`, which is
// either the suggestion message with vote buttons, or an ephemeral
// validation message
func suggestCommandResponse(
	i *discordgo.InteractionCreate,
	now time.Time,
) (*discordgo.InteractionResponse, error) {
	options := discordInteractionOptions(i)
	var suggestion Suggestion
	if opt, ok := options[suggestCommandTitleOption]; ok {
		suggestion.Title = opt.StringValue()
	}
	if opt, ok := options[suggestCommandDescriptionOption]; ok {
		suggestion.Description = opt.StringValue()
	}

	msg, err := suggestion.Validate()
	if err != nil {
		if msg == "" {
			return nil, err
		}
		return ephemeralResponse(msg), nil
	}

	embed := suggestionEmbed(nil, suggestion, Tally{})
	embed.Timestamp = now.UTC().Format(time.RFC3339)
	if u := getDiscordUser(i); u != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text:    "Suggested by " + u.Username,
			IconURL: u.AvatarURL(""),
		}
	}

	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: suggestionButtons(),
		},
	}, nil
}

func (b *SuggestBot) handleSuggestCommand(ctx context.Context, handler InteractionHandler) {
	logger := contextLoggerOr(ctx, handler.Logger())
	i := handler.GetInteraction()

	resp, err := suggestCommandResponse(i, time.Now())
	if err != nil {
		logger.ErrorContext(ctx, "error building suggestion", tint.Err(err))
		resp = ephemeralResponse(discordErrorMessage)
	}
	if err = handler.Respond(ctx, resp); err != nil {
		logger.ErrorContext(ctx, "error responding to suggest command", tint.Err(err))
		return
	}
	if resp.Data != nil && len(resp.Data.Embeds) > 0 {
		b.metricSuggestionsCreated.Add(1)
		logger.InfoContext(ctx, "suggestion created", "title", resp.Data.Embeds[0].Title)
	}
}
