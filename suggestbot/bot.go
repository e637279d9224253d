package suggestbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/suggestbot/suggestbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	discordErrorMessage      = "sorry, something went wrong!"
	shutdownAnnounceInterval = 10 * time.Second
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// SuggestBot counts the messages users send, reports per-user stats,
// and runs suggestions with up/down votes
type SuggestBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	store     Store
	persister *Persister
	votes     *VoteLedger
	messages  *MessageCounter
	mutes     *MuteList

	// signalStop triggers a graceful shutdown of a running bot
	signalStop chan struct{}

	// signalReady receives once the bot is connected and handling events
	signalReady chan struct{}

	// eventShutdown receives once shutdown has finished
	eventShutdown chan struct{}

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
	webhookInteractionHandler gin.HandlerFunc

	metricSuggestionsCreated atomic.Int64
	metricInteractions       atomic.Int64
	metricPanics             atomic.Int64
}

// New creates a SuggestBot from the given config. Loggers, the discord
// client and the optional HTTP servers are set up here, while the store
// is only opened by [SuggestBot.Run].
func New(config *Config) (*SuggestBot, error) {
	var errs []error

	switch config.StoreType {
	case storeTypeFile, storeTypeSQLite, storeTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid store type (must be 'file', 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.LogLevel == nil {
		config.LogLevel = &slog.LevelVar{}
		config.LogLevel.Set(DefaultLogLevel)
	}
	if config.Discord == nil {
		config.Discord = DefaultConfig().Discord
	}
	if config.API == nil {
		config.API = DefaultConfig().API
	}

	b := &SuggestBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		mutes:         NewMuteList(config.Discord.MutedUsers...),
	}

	b.logHandler = newLogHandler(defaultLogWriter, b.config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgoLevel := slog.Leveler(DefaultDiscordgoLogLevel)
	if config.Discord.DiscordGoLogLevel != nil {
		discordgoLevel = config.Discord.DiscordGoLogLevel
	}
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, discordgoLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	discordLevel := slog.Leveler(DefaultDiscordLogLevel)
	if config.Discord.LogLevel != nil {
		discordLevel = config.Discord.LogLevel
	}
	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(
		config.Discord,
		slog.New(newLogHandler(defaultLogWriter, discordLevel)).With(loggerNameKey, "discord"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	b.discord = disc

	if config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *SuggestBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the bot's slash commands
func (b *SuggestBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Run loads saved data, connects to discord and handles events until ctx
// is canceled (or [SuggestBot.Stop] is called), then shuts down.
func (b *SuggestBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// in-flight event handlers, and the flush loop
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// canceling this context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.closeStore(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.persister.Run(ctx)
	}()

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)
	if b.api != nil {
		go func() {
			if httpErr := b.api.Serve(ctx); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}
	if b.discordWebhookServer != nil {
		go func() {
			httpErr := b.discordWebhookServer.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
			}
		}()
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			b.shutdown(ctx, runtimeWG),
		)
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the runtime context - generally
	// an interrupt, or Stop()
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the store and builds the in-memory state from it.
// A corrupt document aborts startup, while a missing one just means
// nothing has been saved yet.
func (b *SuggestBot) initRun(ctx context.Context) error {
	if b.store == nil {
		store, err := NewStore(ctx, b.config, b.logger.With(loggerNameKey, "store"))
		if err != nil {
			return fmt.Errorf("error opening store: %w", err)
		}
		b.store = store
	}

	data, err := b.store.LoadAll(ctx)
	switch {
	case errors.Is(err, ErrCorruptData):
		return fmt.Errorf("error loading saved data: %w", err)
	case errors.Is(err, ErrNotFound):
		b.logger.InfoContext(ctx, "no saved data found, starting fresh", "reason", err.Error())
	case err != nil:
		return fmt.Errorf("error loading saved data: %w", err)
	}
	b.logger.InfoContext(ctx, "loaded saved data", "data", data)

	b.persister = NewPersister(
		b.store,
		b.config.FlushInterval,
		b.config.MessageFlushRate,
		b.logger.With(loggerNameKey, "persister"),
	)

	votes, err := NewVoteLedger(data.Votes, b.persister, b.logger)
	if err != nil {
		return fmt.Errorf("error loading votes: %w", err)
	}
	b.votes = votes
	b.messages = NewMessageCounter(data.MessageCounts, b.persister, b.logger)
	b.persister.Track(b.votes, b.messages)
	return nil
}

func (b *SuggestBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return discErr
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	// handlers outlive the runtime context long enough to finish what
	// they started, so a vote in progress at shutdown is still saved
	handlerCtx := context.WithoutCancel(ctx)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				if ctx.Err() != nil {
					logger.Warn("shutting down, dropping interaction", "interaction_id", i.ID)
					return
				}
				handler := b.getInteractionHandlerFunc(handlerCtx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(handlerCtx, rc)
						}
					}()
					b.handleInteraction(handlerCtx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if ctx.Err() != nil {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(handlerCtx, rc)
						}
					}()
					b.handleDiscordMessage(handlerCtx, m)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// handleInteraction routes an interaction to its command or button
// handler. The same path is used for gateway and webhook interactions.
func (b *SuggestBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	b.metricInteractions.Add(1)
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
		return
	}

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", user.ID)
		return
	}
	logger.InfoContext(
		ctx,
		"received new interaction",
		"receive_method", handler.InteractionReceiveMethod(),
	)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		switch data.Name {
		case DiscordSlashCommandStats:
			b.handleStatsCommand(ctx, handler)
		case DiscordSlashCommandSuggest:
			b.handleSuggestCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", data.Name)
			_ = handler.Respond(ctx, ephemeralResponse(discordErrorMessage))
		}
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		switch data.CustomID {
		case customIDThumbsUp:
			b.handleVoteButton(ctx, handler, VoteUp)
		case customIDThumbsDown:
			b.handleVoteButton(ctx, handler, VoteDown)
		default:
			logger.WarnContext(ctx, "unknown component", "custom_id", data.CustomID)
			_ = handler.Respond(
				ctx,
				&discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseDeferredMessageUpdate,
				},
			)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// handleDiscordMessage counts a message towards its author's total.
// Messages from bots and webhooks aren't counted.
func (b *SuggestBot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	logger := contextLoggerOr(ctx, b.logger)
	if m.Message == nil || m.Author == nil || m.Author.ID == "" {
		return
	}
	if m.Author.Bot || m.WebhookID != "" {
		logger.DebugContext(ctx, "ignoring message from bot", "user_id", m.Author.ID)
		return
	}
	if b.mutes.IsMuted(m.Author.ID) {
		logger.DebugContext(ctx, "message from muted user", "user_id", m.Author.ID)
	}
	total := b.messages.ObserveMessage(ctx, m.Author.ID)
	logger.DebugContext(
		ctx,
		"counted message",
		"user_id", m.Author.ID,
		"message_id", m.ID,
		"total", total,
	)
}

// Stop triggers a graceful shutdown of a running bot
func (b *SuggestBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Ready returns a channel which receives once the bot is running
func (b *SuggestBot) Ready() <-chan struct{} {
	return b.signalReady
}

// shutdown stops accepting events, waits on in-flight handlers, writes
// anything unsaved and closes the store. If this doesn't finish within
// [Config.ShutdownTimeout], servers are closed forcefully and an error
// is returned.
func (b *SuggestBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnounceInterval)
	defer announcementTicker.Stop()

	logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		if b.discord.session != nil {
			for _, h := range b.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			b.discord.discordgoRemoveHandlerFuncs = nil
		}

		stopWG := &sync.WaitGroup{}
		if b.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				logger.InfoContext(ctx, "stopping webhook http server")
				_ = b.discordWebhookServer.httpServer.Shutdown(closeCtx)
				logger.InfoContext(ctx, "webhook http server stopped")
			}()
		}
		if b.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				logger.InfoContext(ctx, "stopping api http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				logger.InfoContext(ctx, "api http server stopped")
			}()
		}
		stopWG.Wait()

		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		if b.discord.session != nil {
			logger.InfoContext(ctx, "closing discord session")
			if err := b.discord.session.Close(); err != nil {
				logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
			}
		}

		var flushErr error
		if b.persister != nil {
			flushErr = b.persister.FlushAll(closeCtx)
			if flushErr != nil {
				logger.ErrorContext(ctx, "error writing data at shutdown", tint.Err(flushErr))
			}
		}
		b.closeStore(ctx)
		gracefulShutdownCh <- flushErr
	}()

	for {
		select {
		case err := <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return err
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			logger.Warn("shutdown did not finish in time, forcing close")
			if b.api != nil {
				go func() {
					_ = b.api.httpServer.Close()
				}()
			}
			if b.discordWebhookServer != nil {
				go func() {
					_ = b.discordWebhookServer.httpServer.Close()
				}()
			}
			return errors.New("shutdown did not finish in time")
		}
	}
}

func (b *SuggestBot) closeStore(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.Close(); err != nil {
		b.logger.WarnContext(ctx, "error closing store", tint.Err(err))
	}
}

func (b *SuggestBot) handleRecover(ctx context.Context, rc any) {
	b.metricPanics.Add(1)
	logger := contextLoggerOr(ctx, slog.Default())
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// BotStatus is a point-in-time summary of a running bot
type BotStatus struct {
	Version            string           `json:"version"`
	CommitSHA          string           `json:"commit_sha"`
	StartedAt          time.Time        `json:"started_at"`
	Uptime             string           `json:"uptime"`
	DiscordConnected   bool             `json:"discord_connected"`
	DiscordConnects    int64            `json:"discord_connects"`
	DiscordDisconnects int64            `json:"discord_disconnects"`
	Interactions       int64            `json:"interactions"`
	SuggestionsCreated int64            `json:"suggestions_created"`
	Panics             int64            `json:"panics"`
	MessagesObserved   int64            `json:"messages_observed"`
	Users              int              `json:"users"`
	MutedUsers         int              `json:"muted_users"`
	Votes              LedgerMetrics    `json:"votes"`
	Persistence        PersisterMetrics `json:"persistence"`
}

// Status returns the current [BotStatus]
func (b *SuggestBot) Status() BotStatus {
	s := BotStatus{
		Version:            Version,
		CommitSHA:          CommitSHA,
		StartedAt:          b.startedAt,
		Uptime:             time.Since(b.startedAt).Truncate(time.Second).String(),
		DiscordConnected:   b.discord.connected.Load(),
		DiscordConnects:    b.discord.metricConnects.Load(),
		DiscordDisconnects: b.discord.metricDisconnects.Load(),
		Interactions:       b.metricInteractions.Load(),
		SuggestionsCreated: b.metricSuggestionsCreated.Load(),
		Panics:             b.metricPanics.Load(),
		MutedUsers:         b.mutes.Len(),
	}
	if b.messages != nil {
		s.MessagesObserved = b.messages.MessagesObserved()
		s.Users = b.messages.Users()
	}
	if b.votes != nil {
		s.Votes = b.votes.Metrics()
	}
	if b.persister != nil {
		s.Persistence = b.persister.Metrics()
	}
	return s
}
