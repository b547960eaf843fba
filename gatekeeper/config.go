//nolint:lll // struct tags can't be split
package gatekeeper

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "GATEKEEPER_ENV_PREFIX"
	DefaultEnvPrefix      = "GK"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "gatekeeper.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages
	DefaultDiscordLogLevel                = slog.LevelWarn
	DefaultDiscordgoLogLevel              = slog.LevelWarn
	DefaultDiscordDirectMessagesPerSecond = 5.0
	DefaultDiscordErrorMessage            = "Something went wrong, please try again later."
	discordMaxMessageLength               = 2000

	DiscordSlashCommandVerify       = "verify"
	DiscordSlashCommandVerification = "verification"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultRedisKeyPrefix = "gatekeeper:"

	DefaultMaxStepAttempts        = 3
	DefaultCaptchaPromptTimeout   = 5 * time.Minute
	DefaultStepPromptTimeout      = 10 * time.Minute
	DefaultChallengeTTL           = 15 * time.Minute
	DefaultLockTimeout            = 30 * time.Second
	DefaultLockWait               = 10 * time.Second
	DefaultStaleRetryMaxElapsed   = 5 * time.Second
	DefaultSettingsCacheTTL       = 5 * time.Minute
	DefaultSettingsCacheSize      = 10000
	DefaultChallengeCacheSize     = 10000
	DefaultRetryCooldown          = 10 * time.Minute
	DefaultVerificationLogLevel   = slog.LevelInfo
	DefaultAccountAgeKickReason   = "Account too young"
	DefaultVerificationRoleReason = "Passed verification"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Redis is optional. When an address is set, verification locks and
	// captcha challenges are shared through redis, so multiple bot
	// instances can serve the same guilds.
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// Verification configures the verification engine
	Verification *VerificationConfig `yaml:"verification" mapstructure:"verification" json:"verification"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// RedisConfig specifies an optional redis server
type RedisConfig struct {
	// Address in host:port form. Leave empty to keep locks and challenges
	// in-process.
	Address string `yaml:"address" mapstructure:"address" json:"address" binding:"omitempty,hostname_port"`

	Username string `yaml:"username" mapstructure:"username" json:"username"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB       int    `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`

	// KeyPrefix is prepended to every key gatekeeper writes
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
}

// Enabled returns true when a redis address has been configured
func (r *RedisConfig) Enabled() bool {
	return r != nil && r.Address != ""
}

// VerificationConfig configures the verification engine
type VerificationConfig struct {
	// MaxStepAttempts is the number of incorrect captcha or question
	// submissions allowed before the attempt fails
	MaxStepAttempts int `yaml:"max_step_attempts" mapstructure:"max_step_attempts" json:"max_step_attempts" binding:"min=1"`

	// CaptchaPromptTimeout is how long captcha buttons remain usable
	// after being shown. Pressing an expired button re-renders the
	// current step.
	CaptchaPromptTimeout time.Duration `yaml:"captcha_prompt_timeout" mapstructure:"captcha_prompt_timeout" json:"captcha_prompt_timeout" binding:"min=30s"`

	// StepPromptTimeout is the equivalent of CaptchaPromptTimeout for the
	// questions and rules steps
	StepPromptTimeout time.Duration `yaml:"step_prompt_timeout" mapstructure:"step_prompt_timeout" json:"step_prompt_timeout" binding:"min=30s"`

	// ChallengeTTL is how long an issued captcha challenge can be answered
	ChallengeTTL time.Duration `yaml:"challenge_ttl" mapstructure:"challenge_ttl" json:"challenge_ttl" binding:"min=1m"`

	// LockTimeout is the expiry of a held per-member lock
	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout" json:"lock_timeout" binding:"min=1s"`

	// LockWait is how long to wait to acquire a per-member lock
	LockWait time.Duration `yaml:"lock_wait" mapstructure:"lock_wait" json:"lock_wait" binding:"min=100ms"`

	// StaleRetryMaxElapsed bounds how long a transition is retried after
	// losing a write race
	StaleRetryMaxElapsed time.Duration `yaml:"stale_retry_max_elapsed" mapstructure:"stale_retry_max_elapsed" json:"stale_retry_max_elapsed" binding:"min=100ms"`

	// SettingsCacheTTL is how long guild settings are cached. 0 disables
	// the cache.
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl" mapstructure:"settings_cache_ttl" json:"settings_cache_ttl" binding:"min=0"`

	// SettingsCacheSize is the number of guilds kept in the local
	// settings cache
	SettingsCacheSize int `yaml:"settings_cache_size" mapstructure:"settings_cache_size" json:"settings_cache_size" binding:"min=1"`

	// RetryCooldown is how long a member has to wait after failing
	// verification before starting again. 0 disables the cooldown.
	RetryCooldown time.Duration `yaml:"retry_cooldown" mapstructure:"retry_cooldown" json:"retry_cooldown" binding:"min=0"`

	// ChallengeCacheSize is the number of outstanding captcha challenges
	// kept locally when redis isn't configured
	ChallengeCacheSize int `yaml:"challenge_cache_size" mapstructure:"challenge_cache_size" json:"challenge_cache_size" binding:"min=1"`

	// KickReason is the audit log reason used when removing a member
	// whose account is too young
	KickReason string `yaml:"kick_reason" mapstructure:"kick_reason" json:"kick_reason" binding:"required"`

	// RoleReason is the audit log reason used when granting the
	// verified role
	RoleReason string `yaml:"role_reason" mapstructure:"role_reason" json:"role_reason" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func validateVerificationConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(VerificationConfig)
	if !ok {
		return
	}
	if value.ChallengeTTL < value.CaptchaPromptTimeout {
		sl.ReportError(
			value.ChallengeTTL,
			"ChallengeTTL",
			"challenge_ttl",
			"gtefield",
			"CaptchaPromptTimeout",
		)
	}
	if value.LockWait > value.LockTimeout {
		sl.ReportError(value.LockWait, "LockWait", "lock_wait", "ltefield", "LockTimeout")
	}
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Member join events require the privileged
	// GUILD_MEMBERS intent to be enabled for the application.
	// See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// DirectMessagesPerSecond limits outgoing DMs, which are sent when
	// members join
	DirectMessagesPerSecond float64 `yaml:"direct_messages_per_second" mapstructure:"direct_messages_per_second" json:"direct_messages_per_second" binding:"gt=0"`

	// ErrorMessage is shown to members when an interaction can't be
	// processed
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// RegisterCommands registers slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	httpClient *http.Client
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for /api requests. If empty,
	// all /api requests are rejected.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. TLS is only used when a certificate
	// is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`

	// Enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file" binding:"required_with=CertFile"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultVerificationConfig returns a VerificationConfig with defaults set
func DefaultVerificationConfig() *VerificationConfig {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultVerificationLogLevel)
	return &VerificationConfig{
		MaxStepAttempts:      DefaultMaxStepAttempts,
		CaptchaPromptTimeout: DefaultCaptchaPromptTimeout,
		StepPromptTimeout:    DefaultStepPromptTimeout,
		ChallengeTTL:         DefaultChallengeTTL,
		LockTimeout:          DefaultLockTimeout,
		LockWait:             DefaultLockWait,
		StaleRetryMaxElapsed: DefaultStaleRetryMaxElapsed,
		SettingsCacheTTL:     DefaultSettingsCacheTTL,
		SettingsCacheSize:    DefaultSettingsCacheSize,
		ChallengeCacheSize:   DefaultChallengeCacheSize,
		RetryCooldown:        DefaultRetryCooldown,
		KickReason:           DefaultAccountAgeKickReason,
		RoleReason:           DefaultVerificationRoleReason,
		LogLevel:             logLevel,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Redis: &RedisConfig{
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Verification: DefaultVerificationConfig(),
		Discord: &DiscordConfig{
			GatewayIntents:          DefaultDiscordGatewayIntent,
			LogLevel:                discordLogLevel,
			DiscordGoLogLevel:       discordgoLogLevel,
			DirectMessagesPerSecond: DefaultDiscordDirectMessagesPerSecond,
			ErrorMessage:            DefaultDiscordErrorMessage,
			RegisterCommands:        true,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
