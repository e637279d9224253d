package suggestbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a config with a file store in a temp dir
// and short flush intervals
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = 100 * time.Millisecond
	cfg.MessageFlushRate = 0
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"
	cfg.LogLevel.Set(slog.LevelDebug)
	return cfg
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(newLogHandler(io.Discard, slog.LevelDebug)).With("test_name", t.Name())
}

// newTestBot returns a bot with its store loaded and a mock discord
// session, without connecting or starting any servers
func newTestBot(t testing.TB, cfg *Config) *SuggestBot {
	t.Helper()
	gin.DefaultWriter = io.Discard
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}
	bot, err := New(cfg)
	require.NoError(t, err)

	bot.logger = testLogger(t)
	bot.discord.logger = bot.logger.With(loggerNameKey, "discord")
	bot.discord.session = newMockDiscordSession()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, bot.initRun(ctx))
	t.Cleanup(func() { _ = bot.store.Close() })

	bot.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     bot.discord.session,
			interaction: i,
			logger:      bot.logger,
		}
	}
	return bot
}

type editCall struct {
	Edit *discordgo.MessageEdit
}

type respondCall struct {
	Interaction *discordgo.Interaction
	Response    *discordgo.InteractionResponse
}

// mockDiscordSession records the calls the bot makes to discord
type mockDiscordSession struct {
	mu         *sync.Mutex
	handlers   *[]any
	responds   chan respondCall
	edits      chan editCall
	commands   chan []*discordgo.ApplicationCommand
	editErr    error
	openErr    error
	statusSets chan string
}

func newMockDiscordSession() mockDiscordSession {
	return mockDiscordSession{
		mu:         &sync.Mutex{},
		handlers:   &[]any{},
		responds:   make(chan respondCall, 100),
		edits:      make(chan editCall, 100),
		commands:   make(chan []*discordgo.ApplicationCommand, 100),
		statusSets: make(chan string, 100),
	}
}

func (m mockDiscordSession) Open() error {
	return m.openErr
}

func (mockDiscordSession) Close() error {
	return nil
}

func (m mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.commands <- commands
	return commands, nil
}

func (m mockDiscordSession) UpdateCustomStatus(status string) error {
	m.statusSets <- status
	return nil
}

func (m mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.handlers = append(*m.handlers, handler)
	idx := len(*m.handlers) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		(*m.handlers)[idx] = nil
	}
}

// dispatch calls each registered handler that accepts the given event
func (m mockDiscordSession) dispatch(event any) {
	m.mu.Lock()
	handlers := append([]any(nil), *m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.InteractionCreate):
			if e, ok := event.(*discordgo.InteractionCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := event.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := event.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Connect):
			if e, ok := event.(*discordgo.Connect); ok {
				fn(nil, e)
			}
		}
	}
}

func (m mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.responds <- respondCall{Interaction: interaction, Response: resp}
	return nil
}

func (m mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.edits <- editCall{Edit: edit}
	if m.editErr != nil {
		return nil, m.editErr
	}
	msg := &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}
	if edit.Embeds != nil {
		msg.Embeds = *edit.Embeds
	}
	return msg, nil
}

func (mockDiscordSession) SetHTTPClient(*http.Client) {}

func (mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

// stubInteractionHandler records responses and edits in channels
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	editErr     error

	callRespond chan *discordgo.InteractionResponse
	callEdit    chan *discordgo.MessageEdit
}

func newStubInteractionHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		interaction: i,
		logger:      testLogger(t),
		callRespond: make(chan *discordgo.InteractionResponse, 100),
		callEdit:    make(chan *discordgo.MessageEdit, 100),
	}
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s stubInteractionHandler) EditMessage(
	_ context.Context,
	m *discordgo.MessageEdit,
) (*discordgo.Message, error) {
	s.callEdit <- m
	if s.editErr != nil {
		return nil, s.editErr
	}
	msg := &discordgo.Message{ID: m.ID, ChannelID: m.Channel}
	if m.Embeds != nil {
		msg.Embeds = *m.Embeds
	}
	return msg, nil
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return DiscordInteractionReceiveMethod("testcase")
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func waitForResponse(
	t testing.TB,
	ch <-chan *discordgo.InteractionResponse,
) *discordgo.InteractionResponse {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for interaction response")
	}
	return nil
}

func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:       fmt.Sprintf("user_%s", t.Name()),
		Username: "u_" + t.Name(),
	}
}

// newSuggestInteraction creates a /suggest interaction from a guild member
func newSuggestInteraction(
	t testing.TB,
	u *discordgo.User,
	title string,
	description string,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      "interaction_" + t.Name(),
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: "guild",
			Member:  &discordgo.Member{User: u},
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandSuggest,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  suggestCommandTitleOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: title,
					},
					{
						Name:  suggestCommandDescriptionOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: description,
					},
				},
			},
		},
	}
}

// newVoteInteraction creates a button click on the given suggestion message
func newVoteInteraction(
	t testing.TB,
	u *discordgo.User,
	message *discordgo.Message,
	customID string,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      fmt.Sprintf("interaction_%s_%s_%s", t.Name(), u.ID, customID),
			Type:    discordgo.InteractionMessageComponent,
			GuildID: "guild",
			Member:  &discordgo.Member{User: u},
			Message: message,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

// newSuggestionMessage returns a message as discord would show it after
// a successful /suggest
func newSuggestionMessage(t testing.TB, id string) *discordgo.Message {
	t.Helper()
	embed := suggestionEmbed(
		nil,
		Suggestion{Title: "Add a music channel", Description: "Somewhere to share music"},
		Tally{},
	)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Suggested by someone"}
	embed.Timestamp = "2024-01-02T03:04:05Z"
	return &discordgo.Message{
		ID:         id,
		ChannelID:  "channel",
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: suggestionButtons(),
	}
}

// failingStore wraps a Store, failing flushes while fail is set
type failingStore struct {
	Store
	mu   sync.Mutex
	fail bool
}

var errStoreUnavailable = errors.New("store unavailable")

func (f *failingStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *failingStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *failingStore) FlushVotes(ctx context.Context, votes VoteRecord) error {
	if f.failing() {
		return errStoreUnavailable
	}
	return f.Store.FlushVotes(ctx, votes)
}

func (f *failingStore) FlushMessageCounts(ctx context.Context, counts MessageCounts) error {
	if f.failing() {
		return errStoreUnavailable
	}
	return f.Store.FlushMessageCounts(ctx, counts)
}
