package suggestbot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const suggestionUpdateErrorMessage = "An error occurred while updating the suggestion."

func voteConfirmation(direction VoteDirection) string {
	if direction == VoteDown {
		return "You voted thumbs down!"
	}
	return "You voted thumbs up!"
}

func duplicateVoteMessage(direction VoteDirection) string {
	if direction == VoteDown {
		return "You have already voted thumbs down."
	}
	return "You have already voted thumbs up."
}

// handleVoteButton handles a click on one of a suggestion's vote
// buttons. The suggestion is identified by the ID of the message the
// buttons are attached to.
//
// The vote is recorded (and written to the store) first. The suggestion
// message is then re-rendered from the ledger's tally, and the voter gets
// an ephemeral confirmation.
func (b *SuggestBot) handleVoteButton(
	ctx context.Context,
	handler InteractionHandler,
	direction VoteDirection,
) {
	logger := contextLoggerOr(ctx, handler.Logger())
	i := handler.GetInteraction()

	user := getDiscordUser(i)
	if user == nil || i.Message == nil {
		logger.WarnContext(ctx, "vote interaction missing user or message")
		_ = handler.Respond(ctx, ephemeralResponse(discordErrorMessage))
		return
	}
	suggestionID := i.Message.ID
	logger = logger.With("suggestion_id", suggestionID, "direction", direction)
	ctx = WithLogger(ctx, logger)

	if b.mutes.IsMuted(user.ID) {
		logger.InfoContext(ctx, "vote from muted user", "user_id", user.ID)
	}

	tally, err := b.votes.CastVote(ctx, suggestionID, user.ID, direction)
	switch {
	case errors.Is(err, ErrDuplicateVote):
		logger.InfoContext(ctx, "duplicate vote", "user_id", user.ID)
		_ = handler.Respond(ctx, ephemeralResponse(duplicateVoteMessage(direction)))
		return
	case errors.Is(err, ErrPersistenceFailure):
		// the vote stands, and will be written by the flush loop
		logger.WarnContext(ctx, "vote recorded but not yet saved", tint.Err(err))
	case err != nil:
		logger.ErrorContext(ctx, "error casting vote", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(discordErrorMessage))
		return
	}

	content := voteConfirmation(direction)
	if _, editErr := handler.EditMessage(ctx, suggestionMessageEdit(i.Message, tally)); editErr != nil {
		content = fmt.Sprintf("%s\n%s", content, suggestionUpdateErrorMessage)
	}
	if respErr := handler.Respond(ctx, ephemeralResponse(content)); respErr != nil {
		logger.ErrorContext(ctx, "error confirming vote", tint.Err(respErr))
	}
}

// suggestionMessageEdit returns an edit of the given suggestion message,
// with its vote fields rendered from tally. Everything else about the
// embed is kept.
func suggestionMessageEdit(m *discordgo.Message, tally Tally) *discordgo.MessageEdit {
	var base *discordgo.MessageEmbed
	if len(m.Embeds) > 0 {
		base = m.Embeds[0]
	}
	embeds := []*discordgo.MessageEmbed{suggestionEmbed(base, Suggestion{}, tally)}
	if len(m.Embeds) > 1 {
		embeds = append(embeds, m.Embeds[1:]...)
	}
	return &discordgo.MessageEdit{
		ID:      m.ID,
		Channel: m.ChannelID,
		Embeds:  &embeds,
	}
}
