package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/gatekeeper/gatekeeper.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const shutdownAnnouncementInterval = 10 * time.Second

// Gatekeeper is the bot. It owns the database, the optional redis client,
// the discord session, the verification engine and the backend API.
type Gatekeeper struct {
	config *Config
	logger *slog.Logger

	// prevents concurrent runs
	runMu sync.Mutex

	db         DBI
	redis      redis.UniversalClient
	store      *gormStore
	engine     *VerificationEngine
	renderer   promptRenderer
	discord    *Discord
	api        *API
	dbNotifier DBNotifier

	signalStop  chan struct{}
	signalReady chan struct{}
	startedAt   time.Time

	// newInteractionHandler returns the InteractionHandler used to
	// respond to a gateway interaction
	newInteractionHandler func(i *discordgo.InteractionCreate) InteractionHandler
}

// New validates config and returns a Gatekeeper ready to Run
func New(config *Config) (*Gatekeeper, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Verification == nil {
		config.Verification = DefaultVerificationConfig()
	}

	g := &Gatekeeper{
		config:      config,
		signalReady: make(chan struct{}, 1),
		renderer:    newPromptRenderer(config.Verification),
	}

	g.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(g.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	g.discord = newDiscord(config.Discord, newNamedLogger(config.Discord.LogLevel, "discord"))

	api, err := newAPI(g, config.API)
	errs = append(errs, err)
	g.api = api

	return g, errors.Join(errs...)
}

// ValidateConfig validates the configuration given to New
func (g *Gatekeeper) ValidateConfig() error {
	return structValidator.Struct(g.config)
}

// Ready receives a value once Run has finished starting up
func (g *Gatekeeper) Ready() <-chan struct{} {
	return g.signalReady
}

// registerCommands registers the bot's slash commands with discord
func (g *Gatekeeper) registerCommands(ctx context.Context) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return g.discord.registerCommands(discordgo.WithContext(ctx))
}

// Run starts the bot, blocking until ctx is canceled or a stop signal
// is received (from the API, or from another instance sharing the
// database), then shuts down.
func (g *Gatekeeper) Run(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.signalStop = make(chan struct{}, 1)
	g.startedAt = time.Now()
	logger := g.logger

	if err := g.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", g.config))

	// canceling the runtime context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, g.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- g.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			g.closeRedis()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	go func() {
		select {
		case <-g.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if err := g.api.Serve(ctx); err != nil {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
			cancel()
		}
	}()

	logger.InfoContext(ctx, "connecting to discord")
	if err := g.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = g.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if g.config.Discord.RegisterCommands {
		if _, err := g.registerCommands(startCtx); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := g.dbNotifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	select {
	case g.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context - generally
	// an interrupt, or the quit endpoint
	<-ctx.Done()

	return g.shutdown(ctx, runtimeWG)
}

// initRun connects to the database and redis, and builds the
// verification engine and discord session
func (g *Gatekeeper) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	g.logger.Debug("initializing DB...")
	if err := g.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	g.logger.Debug("finished initializing DB")

	if err := g.initRedis(startCtx); err != nil {
		return fmt.Errorf("error initializing redis: %w", err)
	}

	vcfg := g.config.Verification
	prefix := DefaultRedisKeyPrefix
	if g.config.Redis != nil && g.config.Redis.KeyPrefix != "" {
		prefix = g.config.Redis.KeyPrefix
	}
	verificationLogger := newNamedLogger(vcfg.LogLevel, "verification")

	var locker Locker
	if g.redis != nil {
		locker = newRedisLocker(g.redis, prefix, vcfg.LockTimeout, vcfg.LockWait, verificationLogger)
	} else {
		locker = newLocalLocker(vcfg.LockWait)
	}

	g.store = newGormStore(g.db, g.redis, vcfg, prefix, verificationLogger)

	notifier, err := newDBNotifier(
		g.config.DatabaseType,
		g.db,
		g.config.Database,
		notifyTarget{
			stop:            g.signalStop,
			settingsUpdated: g.store.InvalidateSetting,
		},
		g.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	g.dbNotifier = notifier
	g.store.notifier = notifier

	if err = g.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	members := newDiscordMembers(
		g.discord.session,
		g.config.Discord.DirectMessagesPerSecond,
		g.discord.logger,
	)
	g.engine = NewVerificationEngine(
		EngineDeps{
			Store:      g.store,
			Challenges: newChallengeStore(g.redis, prefix, vcfg.ChallengeTTL, vcfg.ChallengeCacheSize),
			Captcha:    NewCaptchaGenerator(),
			Locker:     locker,
			Notifier:   members,
			Members:    members,
		},
		vcfg,
		verificationLogger,
	)
	return nil
}

// initDB opens and migrates the configured database, unless one has
// already been set
func (g *Gatekeeper) initDB(ctx context.Context) error {
	if g.db != nil {
		return nil
	}
	db, err := CreateDB(ctx, g.config.DatabaseType, g.config.Database)
	if err != nil {
		return err
	}
	db.Logger = newGORMLogger(
		newLogHandler(g.config.DatabaseLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "database")},
		),
		g.config.DatabaseSlowThreshold,
	)

	concurrentWrites := true
	if g.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
		concurrentWrites = false
	}
	g.db = NewDatabase(db, g.logger.With(loggerNameKey, "database"), concurrentWrites)
	return nil
}

// initRedis connects to redis, if configured
func (g *Gatekeeper) initRedis(ctx context.Context) error {
	if g.redis != nil || !g.config.Redis.Enabled() {
		return nil
	}
	rcfg := g.config.Redis
	client := redis.NewUniversalClient(
		&redis.UniversalOptions{
			Addrs:    []string{rcfg.Address},
			Username: rcfg.Username,
			Password: rcfg.Password,
			DB:       rcfg.DB,
		},
	)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("error pinging redis at %s: %w", rcfg.Address, err)
	}
	g.logger.InfoContext(ctx, "connected to redis", "address", rcfg.Address)
	g.redis = client
	return nil
}

func (g *Gatekeeper) closeRedis() {
	if g.redis == nil {
		return
	}
	if err := g.redis.Close(); err != nil {
		g.logger.Error("error closing redis client", tint.Err(err))
	}
}

// initDiscordSession creates the discord session, unless one has
// already been set, and adds the gateway event handlers
func (g *Gatekeeper) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := g.discord.logger.With(loggerNameKey, "discord_session")

	if g.discord.session == nil {
		session, err := g.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		g.discord.session = session
	}

	ctx = WithLogger(ctx, logger)
	g.discord.removeHandlers()

	if g.newInteractionHandler == nil {
		g.newInteractionHandler = func(i *discordgo.InteractionCreate) InteractionHandler {
			return newGatewayHandler(g.discord.session, i, g.discord.logger)
		}
	}

	g.discord.discordgoRemoveHandlerFuncs = []func(){
		g.discord.session.AddHandler(g.discord.handlerConnect()),
		g.discord.session.AddHandler(g.discord.handlerDisconnect()),
		g.discord.session.AddHandler(g.discord.handlerReady()),
		g.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := g.newInteractionHandler(i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							g.handleRecover(ctx, rc)
						}
					}()
					g.handleInteraction(ctx, handler)
				}()
			},
		),
		g.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							g.handleRecover(ctx, rc)
						}
					}()
					g.handleMemberJoin(ctx, m)
				}()
			},
		),
	}
	return nil
}

// handleMemberJoin runs a gateway member join event through the
// verification engine
func (g *Gatekeeper) handleMemberJoin(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		g.discord.logger.WarnContext(ctx, "member join without a user")
		return
	}
	logger := g.discord.logger.With(columnGuildID, m.GuildID, columnUserID, m.User.ID)
	ctx = WithLogger(ctx, logger)

	created, err := accountCreatedAt(m.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing user ID", tint.Err(err))
		return
	}
	result, err := g.engine.OnMemberJoin(
		ctx,
		MemberJoined{
			GuildID:          m.GuildID,
			UserID:           m.User.ID,
			AccountCreatedAt: created,
			IsBot:            m.User.Bot,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error handling member join", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"handled member join",
		"outcome", result.Outcome,
		"side_effects", len(result.SideEffects),
	)
}

// shutdown stops the API and the discord session, waiting up to
// Config.ShutdownTimeout for in-flight interactions to finish
func (g *Gatekeeper) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := g.logger
	logger.WarnContext(ctx, "shutting down")
	defer g.closeRedis()

	shutdownStart := time.Now()
	if g.config.ShutdownTimeout.Seconds() == 0 {
		logger.Warn("immediate shutdown")
		_ = g.api.httpServer.Close()
		if g.discord.session != nil {
			_ = g.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(g.config.ShutdownTimeout)
	logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", g.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		eg := new(errgroup.Group)
		eg.Go(
			func() error {
				logger.InfoContext(ctx, "stopping http server")
				return g.api.Shutdown(closeCtx)
			},
		)
		if g.discord.session != nil {
			eg.Go(
				func() error {
					logger.InfoContext(ctx, "closing discord session")
					err := g.discord.session.Close()
					g.discord.removeHandlers()
					return err
				},
			)
		}
		err := eg.Wait()
		// in-flight interactions and member joins
		runtimeWG.Wait()
		gracefulShutdownCh <- err
	}()

	for {
		select {
		case err := <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return err
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			logger.Warn("in-flight requests did not finish in time, forcing close")
			_ = g.api.httpServer.Close()
			return errors.New("shutdown timed out")
		}
	}
}
