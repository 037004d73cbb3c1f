package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Mlesn1/pllumcord/pllumcord"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = pllumcord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "pllumcord [flags]",
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

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// during viper unmarshaling.
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
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
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

	viper.SetDefault("database", pllumcord.DefaultDatabase)
	viper.SetDefault("database_type", pllumcord.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		pllumcord.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		pllumcord.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", pllumcord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", pllumcord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", pllumcord.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		pllumcord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		pllumcord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		pllumcord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", pllumcord.DefaultCustomStatus)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", "")

	// PLLuM / inference config
	viper.SetDefault("pllum.token", "")
	viper.SetDefault("pllum.base_url", pllumcord.DefaultPLLuMBaseURL)
	viper.SetDefault("pllum.model", pllumcord.DefaultPLLuMModel)
	viper.SetDefault("pllum.max_tokens", pllumcord.DefaultPLLuMMaxTokens)
	viper.SetDefault("pllum.temperature", pllumcord.DefaultPLLuMTemperature)
	viper.SetDefault(
		"pllum.request_timeout",
		pllumcord.DefaultPLLuMRequestTimeout,
	)
	viper.SetDefault(
		"pllum.requests_per_second",
		pllumcord.DefaultPLLuMRequestsPerSec,
	)
	viper.SetDefault(
		"pllum.prompt_character_budget",
		pllumcord.DefaultPromptCharacterBudget,
	)
	viper.SetDefault("pllum.log_level", pllumcord.DefaultPLLuMLogLevel.String())

	// Bot behavior
	viper.SetDefault("bot.command_prefix", pllumcord.DefaultCommandPrefix)
	viper.SetDefault("bot.max_history_length", pllumcord.DefaultMaxHistoryLength)
	viper.SetDefault(
		"bot.conversation_timeout",
		pllumcord.DefaultConversationTimeout,
	)
	viper.SetDefault("bot.sweep_interval", pllumcord.DefaultSweepInterval)
	viper.SetDefault("bot.rate_limit_global", pllumcord.DefaultRateLimitGlobal)
	viper.SetDefault("bot.rate_limit_user", pllumcord.DefaultRateLimitUser)
	viper.SetDefault("bot.thinking_message", pllumcord.DefaultThinkingMessage)
	viper.SetDefault("bot.error_message", pllumcord.DefaultErrorMessage)
	viper.SetDefault("bot.rate_limit_message", pllumcord.DefaultRateLimitMessage)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", pllumcord.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", pllumcord.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", pllumcord.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		pllumcord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", pllumcord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", pllumcord.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		pllumcord.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		pllumcord.DefaultCORSAllowMethods,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", pllumcord.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(pllumcord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = pllumcord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"pllum.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
