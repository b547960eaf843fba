package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/gatekeeper/gatekeeper"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = gatekeeper.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper [flags]",
	Short: "Discord member verification bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", gatekeeper.DefaultDatabase)
	viper.SetDefault("database_type", gatekeeper.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		gatekeeper.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		gatekeeper.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", gatekeeper.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", gatekeeper.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", gatekeeper.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", gatekeeper.DefaultShutdownTimeout)

	// Redis config
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.username", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", gatekeeper.DefaultRedisKeyPrefix)

	// Verification config
	viper.SetDefault("verification.max_step_attempts", gatekeeper.DefaultMaxStepAttempts)
	viper.SetDefault(
		"verification.captcha_prompt_timeout",
		gatekeeper.DefaultCaptchaPromptTimeout,
	)
	viper.SetDefault(
		"verification.step_prompt_timeout",
		gatekeeper.DefaultStepPromptTimeout,
	)
	viper.SetDefault("verification.challenge_ttl", gatekeeper.DefaultChallengeTTL)
	viper.SetDefault("verification.lock_timeout", gatekeeper.DefaultLockTimeout)
	viper.SetDefault("verification.lock_wait", gatekeeper.DefaultLockWait)
	viper.SetDefault(
		"verification.stale_retry_max_elapsed",
		gatekeeper.DefaultStaleRetryMaxElapsed,
	)
	viper.SetDefault("verification.settings_cache_ttl", gatekeeper.DefaultSettingsCacheTTL)
	viper.SetDefault("verification.settings_cache_size", gatekeeper.DefaultSettingsCacheSize)
	viper.SetDefault("verification.challenge_cache_size", gatekeeper.DefaultChallengeCacheSize)
	viper.SetDefault("verification.retry_cooldown", gatekeeper.DefaultRetryCooldown)
	viper.SetDefault("verification.kick_reason", gatekeeper.DefaultAccountAgeKickReason)
	viper.SetDefault("verification.role_reason", gatekeeper.DefaultVerificationRoleReason)
	viper.SetDefault(
		"verification.log_level",
		gatekeeper.DefaultVerificationLogLevel.String(),
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		gatekeeper.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		gatekeeper.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		gatekeeper.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.direct_messages_per_second",
		gatekeeper.DefaultDiscordDirectMessagesPerSecond,
	)
	viper.SetDefault("discord.error_message", gatekeeper.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.register_commands", true)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", gatekeeper.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault("api.read_timeout", gatekeeper.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		gatekeeper.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", gatekeeper.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", gatekeeper.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault("api.ssl.tls_min_version", gatekeeper.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		gatekeeper.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		gatekeeper.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		gatekeeper.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", gatekeeper.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		gatekeeper.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(gatekeeper.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = gatekeeper.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	// levels stay strings until LevelToStringHookFunc decodes them
	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
		"verification.log_level",
	} {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
