package suggestbot

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestBot_Run(t *testing.T) {
	gin.DefaultWriter = io.Discard
	cfg := DefaultTestConfig(t)
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.FlushInterval = time.Hour

	bot, err := New(cfg)
	require.NoError(t, err)
	bot.logger = testLogger(t)
	bot.discord.logger = bot.logger
	session := newMockDiscordSession()
	bot.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.Ready():
	case err = <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for ready")
	}

	session.dispatch(&discordgo.Connect{})
	select {
	case status := <-session.statusSets:
		assert.Equal(t, DefaultDiscordCustomStatus, status)
	case <-time.After(5 * time.Second):
		t.Fatal("custom status wasn't set on connect")
	}
	assert.True(t, bot.discord.connected.Load())

	session.dispatch(&discordgo.Ready{})
	select {
	case commands := <-session.commands:
		assert.Len(t, commands, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("commands weren't registered on ready")
	}

	for n := 0; n < 3; n++ {
		session.dispatch(
			&discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:     "m",
					Author: &discordgo.User{ID: "alice"},
				},
			},
		)
	}

	u := &discordgo.User{ID: "bob", Username: "bob"}
	session.dispatch(newVoteInteraction(t, u, newSuggestionMessage(t, "s1"), customIDThumbsUp))
	select {
	case call := <-session.responds:
		assert.Equal(t, "You voted thumbs up!", call.Response.Data.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("vote wasn't confirmed")
	}

	require.Eventually(
		t,
		func() bool { return bot.messages.GetStats("alice").TotalMessages == 3 },
		5*time.Second,
		10*time.Millisecond,
	)

	bot.Stop()
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	// everything was written at shutdown, though the flush loop never ran
	store, err := NewFileStore(cfg.DataDir, testLogger(t))
	require.NoError(t, err)
	data, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MessageCounts{"alice": 3}, data.MessageCounts)
	assert.Equal(t, VoteRecord{"s1": {"bob": VoteUp}}, data.Votes)
}

func TestSuggestBot_RunCorruptData(t *testing.T) {
	cfg := DefaultTestConfig(t)
	store, err := NewFileStore(cfg.DataDir, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, writeFile(store.votesPath(), `{"s1": {"alice": "maybe"}}`))

	bot, err := New(cfg)
	require.NoError(t, err)
	bot.logger = testLogger(t)
	bot.discord.session = newMockDiscordSession()

	err = bot.Run(context.Background())
	require.ErrorIs(t, err, ErrCorruptData)
}

func TestSuggestBot_RunOpenError(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)
	bot.logger = testLogger(t)
	session := newMockDiscordSession()
	session.openErr = assert.AnError
	bot.discord.session = session

	err = bot.Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
}

func TestSuggestBot_InvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	bot, err := New(cfg)
	require.NoError(t, err)
	bot.logger = testLogger(t)
	require.Error(t, bot.Run(context.Background()))
}

func TestNew_InvalidStoreType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.StoreType = "s3"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestSuggestBot_HandleRecover(t *testing.T) {
	bot := newTestBot(t, nil)
	ctx := WithLogger(context.Background(), testLogger(t))
	bot.handleRecover(ctx, "boom")
	bot.handleRecover(ctx, assert.AnError)
	bot.handleRecover(ctx, 42)
	assert.Equal(t, int64(3), bot.Status().Panics)
}
