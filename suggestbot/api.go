package suggestbot

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathStatus           = "/status"
	apiPathSuggestion       = "/suggestions/:id"
	apiPathUserStats        = "/users/:id/stats"
	apiPathFlush            = "/flush"
	apiPathMutes            = "/mutes"
	apiPathMute             = "/mutes/:id"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"

	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "

	apiFlushTimeout = 30 * time.Second
)

// API is the admin HTTP server
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

// newAPI sets up the admin API's middleware and routes. Everything
// under /api requires the configured secret as a bearer token.
func newAPI(b *SuggestBot, config *APIConfig) (*API, error) {
	level := slog.Leveler(DefaultAPILogLevel)
	if config.LogLevel != nil {
		level = config.LogLevel
	}
	logger := slog.New(newLogHandler(defaultLogWriter, level)).With(loggerNameKey, "api")

	if b.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		logger:         logger,
		requestMetrics: map[string]int{},
		handlers:       &APIHandlers{b: b, logger: logger},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(config.CORS.AllowOrigins) == 0 && b.config.Development {
		corsConfig.AllowOriginFunc = nil
		corsConfig.AllowOrigins = []string{"*"}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathStatus, api.handlers.getStatus)
	protected.GET(apiPathSuggestion, api.handlers.getSuggestion)
	protected.GET(apiPathUserStats, api.handlers.getUserStats)
	protected.POST(apiPathFlush, api.handlers.flush)
	protected.GET(apiPathMutes, api.handlers.getMutes)
	protected.PUT(apiPathMute, api.handlers.muteUser)
	protected.DELETE(apiPathMute, api.handlers.unmuteUser)
	protected.POST(apiPathQuit, api.handlers.botQuit)
	protected.POST(apiPathRegisterCommands, api.handlers.discordRegisterCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	if a.httpServer.TLSConfig == nil {
		a.logger.Warn("starting api without TLS")
		return a.httpServer.Serve(a.listener)
	}
	return a.httpServer.Serve(tls.NewListener(a.listener, a.httpServer.TLSConfig))
}

// RequestMetrics returns a copy of the request count per method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

type APIHandlers struct {
	b      *SuggestBot
	logger *slog.Logger
}

type healthCheckResponse struct {
	Status                  string `json:"status"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
}

type statusResponse struct {
	BotStatus
	Started string `json:"started"`
}

type suggestionResponse struct {
	SuggestionID string         `json:"suggestion_id"`
	Tally        Tally          `json:"tally"`
	Total        int64          `json:"total"`
	View         TallyView      `json:"view"`
	UserVote     *VoteDirection `json:"user_vote,omitempty"`
}

type userStatsResponse struct {
	UserStats
	TotalMessagesDisplay string `json:"total_messages_display"`
	Muted                bool   `json:"muted"`
}

type mutesResponse struct {
	Muted []string `json:"muted"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError is an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:                  "ok",
			DiscordGatewayConnected: h.b.discord != nil && h.b.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) getStatus(c *gin.Context) {
	status := h.b.Status()
	c.JSON(
		http.StatusOK,
		statusResponse{BotStatus: status, Started: humanize.Time(status.StartedAt)},
	)
}

// getSuggestion returns the current tally of a suggestion. With a
// `user_id` query parameter, that user's vote is included.
func (h *APIHandlers) getSuggestion(c *gin.Context) {
	if h.b.votes == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	suggestionID := c.Param("id")
	tally := h.b.votes.GetTally(suggestionID)
	resp := suggestionResponse{
		SuggestionID: suggestionID,
		Tally:        tally,
		Total:        tally.Total(),
		View:         tally.View(),
	}
	if userID := c.Query("user_id"); userID != "" {
		if direction, ok := h.b.votes.UserVote(suggestionID, userID); ok {
			resp.UserVote = &direction
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getUserStats(c *gin.Context) {
	if h.b.messages == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	userID := c.Param("id")
	stats := h.b.messages.GetStats(userID)
	c.JSON(
		http.StatusOK, userStatsResponse{
			UserStats:            stats,
			TotalMessagesDisplay: humanize.Comma(stats.TotalMessages),
			Muted:                h.b.mutes.IsMuted(userID),
		},
	)
}

// flush writes all unsaved data to the store
func (h *APIHandlers) flush(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.persister == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), apiFlushTimeout)
	defer cancel()
	if err := h.b.persister.FlushAll(ctx); err != nil {
		log.ErrorContext(ctx, "error flushing data", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	ginReplyMessage(c, "flushed")
}

func (h *APIHandlers) getMutes(c *gin.Context) {
	c.JSON(http.StatusOK, mutesResponse{Muted: h.b.mutes.List()})
}

func (h *APIHandlers) muteUser(c *gin.Context) {
	userID := c.Param("id")
	h.b.mutes.Mute(userID)
	ginContextLogger(c).Info("muted user", "user_id", userID)
	c.JSON(http.StatusOK, mutesResponse{Muted: h.b.mutes.List()})
}

func (h *APIHandlers) unmuteUser(c *gin.Context) {
	userID := c.Param("id")
	h.b.mutes.Unmute(userID)
	ginContextLogger(c).Info("unmuted user", "user_id", userID)
	c.JSON(http.StatusOK, mutesResponse{Muted: h.b.mutes.List()})
}

// botQuit triggers a graceful shutdown
func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	if h.b.signalStop == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not running"})
		return
	}
	h.b.Stop()
	ginReplyMessage(c, "quitting")
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.discord == nil || h.b.discord.session == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "discord session not started"})
		return
	}
	created, err := h.b.RegisterSlashCommands(discordgo.WithContext(c.Request.Context()))
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, created)
}

// authMiddleware requires the configured secret as a bearer token. Once a
// token matches a hashed secret, its digest is kept so the argon2 hash
// isn't recomputed for every request.
func authMiddleware(secret string) gin.HandlerFunc {
	var verified atomic.Pointer[[sha256.Size]byte]
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		digest := sha256.Sum256([]byte(token))
		if v := verified.Load(); v != nil && *v == digest {
			c.Next()
			return
		}

		valid, err := verifySecret(secret, token)
		if err != nil {
			logger.Error("error verifying secret", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: "error verifying secret"})
			return
		}
		if !valid {
			logger.Warn("invalid secret")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if isHashedSecret(secret) {
			verified.Store(&digest)
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a request ID to each request, or keeps
// the one provided by the client
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		c.Set(xRequestIDHeader, requestID)
		c.Header(xRequestIDHeader, requestID)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by
// [ginLoggingMiddleware], or the default logger
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware adds a request logger to the gin context, and logs
// each request when it finishes
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		latency := time.Since(start)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				tint.Err(errors.New(errs.String())),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := c.Request.Method + " " + route
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
