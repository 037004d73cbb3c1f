//nolint:lll // struct tags can't be split
package pllumcord

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "PLLUMCORD_ENV_PREFIX"
	DefaultEnvPrefix   = "PLLUMCORD"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "pllumcord.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultPLLuMLogLevel     = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultCommandPrefix       = "!"
	DefaultMaxHistoryLength    = 10
	DefaultConversationTimeout = 10 * time.Minute
	DefaultSweepInterval       = time.Minute
	DefaultRateLimitGlobal     = 60
	DefaultRateLimitUser       = 10

	DefaultPLLuMBaseURL          = "https://api-inference.huggingface.co"
	DefaultPLLuMModel            = "default"
	DefaultPLLuMMaxTokens        = 1024
	DefaultPLLuMTemperature      = 0.7
	DefaultPLLuMRequestTimeout   = 60 * time.Second
	DefaultPLLuMRequestsPerSec   = 1
	DefaultPromptCharacterBudget = 6000

	DefaultThinkingMessage  = "\U0001F914 Thinking..."
	DefaultErrorMessage     = "❌ Sorry, I encountered an error. Please try again later."
	DefaultRateLimitMessage = "⏳ You're sending too many requests. Please wait a moment before trying again."
	DefaultCustomStatus     = "!help | chat with me"

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultCORSMaxAge        = 12 * time.Hour

	discordMaxMessageLength = 2000
	maxCommandPrefixLength  = 5
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
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
	}
)

// Config is the top-level pllumcord configuration, loaded via viper in
// the cmd package and validated on startup.
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// PLLuM configures the text-generation backend
	PLLuM *PLLuMConfig `yaml:"pllum" mapstructure:"pllum" json:"pllum"`

	// Bot configures conversation, rate-limit and reply behavior
	Bot *BotConfig `yaml:"bot" mapstructure:"bot" json:"bot"`

	// API configures the backend status/admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

func (c DiscordConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

func (c PLLuMConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content is required for the bot to
	// see conversation messages.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is the status shown for the bot user while connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// If set, the bot announces itself in this channel whenever it
	// connects to the gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect, if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	httpClient *http.Client
}

// PLLuMConfig configures the Hugging Face text-generation integration.
//
//nolint:lll // can't break tags
type PLLuMConfig struct {
	// Hugging Face API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL is the inference API root
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Model is either a key from the model catalog (ex: 'mistral',
	// 'pllum-large') or a full model ID (ex: 'CYFRAGOVPL/PLLuM-12B-instruct')
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// MaxTokens is the max_new_tokens generation parameter
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// Temperature is the sampling temperature generation parameter
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// RequestTimeout bounds a single inference call. There is no retry -
	// a timeout surfaces to the user as a transient failure.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// RequestsPerSecond is the rate limit for outbound inference API requests
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=1"`

	// PromptCharacterBudget caps the assembled prompt length, in characters.
	// Oldest history turns are dropped first to fit.
	PromptCharacterBudget int `yaml:"prompt_character_budget" mapstructure:"prompt_character_budget" json:"prompt_character_budget" binding:"min=200"`

	// PLLuM base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// BotConfig configures conversation handling, rate limiting and the
// bot's canned replies.
//
//nolint:lll // can't break tags
type BotConfig struct {
	// CommandPrefix is the default command prefix. Guild admins can
	// override it per guild via `!admin prefix`.
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required,max=5"`

	// MaxHistoryLength is the maximum number of turns kept per conversation
	MaxHistoryLength int `yaml:"max_history_length" mapstructure:"max_history_length" json:"max_history_length" binding:"min=1"`

	// ConversationTimeout is the idle duration after which a conversation expires
	ConversationTimeout time.Duration `yaml:"conversation_timeout" mapstructure:"conversation_timeout" json:"conversation_timeout" binding:"min=1s"`

	// SweepInterval is how often idle conversations are swept from memory
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`

	// RateLimitGlobal is the total number of requests admitted per minute
	RateLimitGlobal int `yaml:"rate_limit_global" mapstructure:"rate_limit_global" json:"rate_limit_global" binding:"min=1"`

	// RateLimitUser is the number of requests admitted per user per minute
	RateLimitUser int `yaml:"rate_limit_user" mapstructure:"rate_limit_user" json:"rate_limit_user" binding:"min=1"`

	// ThinkingMessage is the placeholder sent while waiting on the model
	ThinkingMessage string `yaml:"thinking_message" mapstructure:"thinking_message" json:"thinking_message"`

	// ErrorMessage is shown to users when a request fails
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// RateLimitMessage is shown to users when they're rate limited
	RateLimitMessage string `yaml:"rate_limit_message" mapstructure:"rate_limit_message" json:"rate_limit_message"`
}

// APIConfig configures the backend status/admin API server
//
//nolint:lll // can't break tags
type APIConfig struct {
	// Enabled determines whether the API server is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	pllumLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	pllumLogLevel.Set(DefaultPLLuMLogLevel)
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
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultCustomStatus,
		},
		PLLuM: &PLLuMConfig{
			BaseURL:               DefaultPLLuMBaseURL,
			Model:                 DefaultPLLuMModel,
			MaxTokens:             DefaultPLLuMMaxTokens,
			Temperature:           DefaultPLLuMTemperature,
			RequestTimeout:        DefaultPLLuMRequestTimeout,
			RequestsPerSecond:     DefaultPLLuMRequestsPerSec,
			PromptCharacterBudget: DefaultPromptCharacterBudget,
			LogLevel:              pllumLogLevel,
		},
		Bot: &BotConfig{
			CommandPrefix:       DefaultCommandPrefix,
			MaxHistoryLength:    DefaultMaxHistoryLength,
			ConversationTimeout: DefaultConversationTimeout,
			SweepInterval:       DefaultSweepInterval,
			RateLimitGlobal:     DefaultRateLimitGlobal,
			RateLimitUser:       DefaultRateLimitUser,
			ThinkingMessage:     DefaultThinkingMessage,
			ErrorMessage:        DefaultErrorMessage,
			RateLimitMessage:    DefaultRateLimitMessage,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
