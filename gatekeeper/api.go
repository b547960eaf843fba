package gatekeeper

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	pprofPrefix               = "/debug"
	apiPrefix                 = "/api"
	apiHealthCheck            = "/healthz"
	apiPathQuit               = "/quit"
	apiPathRegisterCommands   = "/discord/register_commands"
	apiPathGuildSettings      = "/guilds/:guild_id/settings"
	apiPathGuildQuestions     = "/guilds/:guild_id/questions"
	apiPathGuildQuestion      = "/guilds/:guild_id/questions/:index"
	apiPathGuildStats         = "/guilds/:guild_id/stats"
	apiPathGuildLogs          = "/guilds/:guild_id/logs"
	apiPathGuildEvents        = "/guilds/:guild_id/events"
	apiPathGuildManualVerify  = "/guilds/:guild_id/manual_verify"
	apiParamGuildID           = "guild_id"
	apiParamIndex             = "index"
	apiAuthFailuresPerSecond  = 1
	apiAuthFailureBurst       = 5
	apiQuitSignalTimeout      = 30 * time.Second
	apiManualVerifyTimeout    = 30 * time.Second
	apiRegisterCommandTimeout = 30 * time.Second
)

const (
	xRequestIDHeader = "X-Request-ID"
	ginAPILoggerKey  = "api_logger"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP API. Every route under /api requires the
// configured secret as a bearer token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	// authFailureLimiter limits failed authentication attempts
	authFailureLimiter *rate.Limiter

	handlers *APIHandlers
}

// newAPI initializes the gin engine, middleware and routes.
func newAPI(g *Gatekeeper, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:             config,
		engine:             r,
		logger:             logger,
		authFailureLimiter: rate.NewLimiter(apiAuthFailuresPerSecond, apiAuthFailureBurst),
	}
	api.handlers = &APIHandlers{g: g}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.CertFile != "" {
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://localhost"}
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathGuildSettings, h.getSettings)
	protected.PATCH(apiPathGuildSettings, h.updateSettings)
	protected.POST(apiPathGuildQuestions, h.addQuestion)
	protected.DELETE(apiPathGuildQuestion, h.removeQuestion)
	protected.GET(apiPathGuildStats, h.getStats)
	protected.GET(apiPathGuildLogs, h.getLogs)
	protected.GET(apiPathGuildEvents, h.getEvents)
	protected.POST(apiPathGuildManualVerify, h.manualVerify)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)
	protected.POST(apiPathQuit, h.botQuit)

	return api, nil
}

// Serve listens on the configured address, and serves until the
// server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving API", "address", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers implements the API's routes
type APIHandlers struct {
	g *Gatekeeper
}

// healthCheckResponse is returned by the health check endpoint
type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Uptime                  string `json:"uptime"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// settingsResponse is a guild's settings, along with any warnings
// about the configuration
type settingsResponse struct {
	Setting  *VerificationSetting `json:"setting"`
	Required bool                 `json:"verification_required"`
	Warnings []string             `json:"warnings"`
}

func newSettingsResponse(s *VerificationSetting) settingsResponse {
	warnings := s.Warnings()
	if warnings == nil {
		warnings = []string{}
	}
	return settingsResponse{Setting: s, Required: s.VerificationRequired(), Warnings: warnings}
}

// addQuestionRequest is the body for adding a custom question
type addQuestionRequest struct {
	Question string   `json:"question" binding:"required"`
	Answers  []string `json:"answers" binding:"required,min=1"`
}

// manualVerifyResponse is the result of a manual verification
type manualVerifyResponse struct {
	Log         *VerificationLog   `json:"log"`
	SideEffects []SideEffectResult `json:"side_effects"`
}

// healthCheck reports whether the discord gateway is connected. It
// doesn't require authentication.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Uptime: time.Since(h.g.startedAt).Round(time.Second).String(),
	}
	if h.g.discord != nil {
		resp.DiscordGatewayConnected = h.g.discord.connected.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func guildIDParam(c *gin.Context) (string, bool) {
	guildID, err := parseSnowflake(c.Param(apiParamGuildID))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid guild ID"})
		return "", false
	}
	return guildID, true
}

func (h *APIHandlers) getSettings(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	setting, err := h.g.store.GetOrCreateSetting(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error getting setting", tint.Err(err))
		ginReplyError(c, "error getting settings")
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(setting))
}

// updateSettings applies each setting in the request body, by name.
// Values may be strings, booleans or numbers. Either every setting is
// applied, or none are.
func (h *APIHandlers) updateSettings(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "expected an object of settings"})
		return
	}

	values := make(map[string]string, len(body))
	for name, v := range body {
		switch tv := v.(type) {
		case nil:
			values[name] = ""
		case string:
			values[name] = tv
		case bool:
			values[name] = strconv.FormatBool(tv)
		case float64:
			values[name] = strconv.FormatFloat(tv, 'f', -1, 64)
		default:
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("invalid value for %s", name)},
			)
			return
		}
	}

	setting, err := h.g.store.UpdateSetting(
		c.Request.Context(), guildID, func(s *VerificationSetting) error {
			for name, value := range values {
				if e := s.ApplySetting(name, value); e != nil {
					return e
				}
			}
			return nil
		},
	)
	if err != nil {
		h.settingError(c, err)
		return
	}
	ginContextLogger(c).Info("updated settings", columnGuildID, guildID, "settings", values)
	c.JSON(http.StatusOK, newSettingsResponse(setting))
}

// settingError responds with 400 for invalid settings, or 500
func (h *APIHandlers) settingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownSetting),
		errors.Is(err, ErrTooManyQuestions),
		errors.Is(err, errInvalidQuestion),
		errors.Is(err, errQuestionNotExists),
		errors.Is(err, errInvalidValue),
		errors.Is(err, errInvalidSnowflake):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		ginContextLogger(c).Error("error updating setting", tint.Err(err))
		ginReplyError(c, "error updating settings")
	}
}

func (h *APIHandlers) addQuestion(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	var req addQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	q, err := newCustomQuestion(req.Question, req.Answers)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	setting, err := h.g.store.UpdateSetting(
		c.Request.Context(), guildID, func(s *VerificationSetting) error {
			return s.addQuestion(q)
		},
	)
	if err != nil {
		h.settingError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSettingsResponse(setting))
}

func (h *APIHandlers) removeQuestion(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param(apiParamIndex))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid question index"})
		return
	}
	setting, err := h.g.store.UpdateSetting(
		c.Request.Context(), guildID, func(s *VerificationSetting) error {
			_, e := s.removeQuestion(index)
			return e
		},
	)
	if err != nil {
		if errors.Is(err, errQuestionNotExists) {
			c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
			return
		}
		h.settingError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsResponse(setting))
}

func (h *APIHandlers) getStats(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	stats, err := h.g.store.Stats(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error getting stats", tint.Err(err))
		ginReplyError(c, "error getting stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getLogs(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	var q LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	q.GuildID = guildID
	logs, err := h.g.store.ListLogs(c.Request.Context(), q)
	if err != nil {
		ginContextLogger(c).Error("error listing logs", tint.Err(err))
		ginReplyError(c, "error listing logs")
		return
	}
	if logs == nil {
		logs = []VerificationLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) getEvents(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	var q EventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	q.GuildID = guildID
	events, err := h.g.store.ListEvents(c.Request.Context(), q)
	if err != nil {
		ginContextLogger(c).Error("error listing events", tint.Err(err))
		ginReplyError(c, "error listing events")
		return
	}
	if events == nil {
		events = []VerificationEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (h *APIHandlers) manualVerify(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	var req ManualVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	userID, err := parseSnowflake(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid user ID"})
		return
	}
	req.UserID = userID
	req.GuildID = guildID

	logger := ginContextLogger(c)
	ctx, cancel := context.WithTimeout(
		WithLogger(c.Request.Context(), logger),
		apiManualVerifyTimeout,
	)
	defer cancel()

	prompt, err := h.g.engine.ManualVerify(ctx, req)
	if err != nil {
		logger.Error("error verifying member", tint.Err(err))
		if errors.Is(err, ErrLockNotAcquired) {
			c.JSON(http.StatusConflict, httpError{Error: err.Error()})
			return
		}
		ginReplyError(c, "error verifying member")
		return
	}
	c.JSON(
		http.StatusOK,
		manualVerifyResponse{Log: prompt.Log, SideEffects: prompt.SideEffects},
	)
}

// discordRegisterCommands registers the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	ctx, cancel := context.WithTimeout(c.Request.Context(), apiRegisterCommandTimeout)
	defer cancel()
	createdCommands, err := h.g.registerCommands(ctx)
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// botQuit sends a stop signal to every bot instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiQuitSignalTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.g.dbNotifier.Stop(ctx)
		close(doneCh)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// authMiddleware requires the configured secret as a bearer token.
// Failed attempts are rate limited. If no secret is configured, every
// request is rejected.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.config.Secret == "" {
			logger.Warn("no API secret configured")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if found && subtle.ConstantTimeCompare([]byte(token), []byte(a.config.Secret)) == 1 {
			c.Next()
			return
		}

		if !a.authFailureLimiter.Allow() {
			logger.Warn("too many failed authentication attempts")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		logger.Warn("invalid credentials")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	base := slog.Default()
	if logger, ok := c.Get(ginAPILoggerKey); ok {
		if apiLogger, isLogger := logger.(*slog.Logger); isLogger {
			base = apiLogger
		}
	}
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
	return requestLogger
}

// ginLoggingMiddleware logs each request, and its duration, once it
// has finished
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginAPILoggerKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs,
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

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateVerificationConfig, VerificationConfig{})
}
