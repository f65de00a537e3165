//nolint:lll // struct tags can't be split
package luna

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	DefaultEnvPrefix = "LUNA"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultOpenAILogLevel    = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultDatabase              = "luna.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultStorePath        = "luna_memory.json"
	DefaultFlushQuietPeriod = 2 * time.Second
	DefaultFlushInterval    = 5 * time.Minute
	DefaultRetentionWindow  = 7 * 24 * time.Hour
	DefaultMaxHistory       = 100
	DefaultContextMessages  = 6

	DefaultOpenAIModel             = "gpt-4o-mini"
	DefaultOpenAIRequestTimeout    = 10 * time.Second
	DefaultOpenAIMaxTokens         = 350
	DefaultOpenAIRequestsPerSecond = 1

	DefaultImageRequestTimeout = 15 * time.Second

	DefaultStatusRotationInterval = 2 * time.Minute
	DefaultDiscordGatewayIntent   = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordErrorMessage = "sorry, my head's a little fuzzy right now... ask me again in a minute?"
	DefaultDiscordStartupMessage = "I'm awake!"
	discordMaxMessageLength      = 2000

	DefaultAPIListen          = "127.0.0.1:5000"
	defaultListenNetwork      = "tcp"
	DefaultReadTimeout        = 5 * time.Second
	DefaultReadHeaderTimeout  = 5 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultStartupTimeout     = 30 * time.Second
	DefaultShutdownTimeout    = 60 * time.Second
	DefaultCORSMaxAge         = 12 * time.Hour
	DefaultCORSAllowCreds     = true
	DefaultStatsCommandPrefix = "!stats"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
)

// Config is the top-level bot configuration.
type Config struct {
	// Database is the sqlite path used for the generation audit log
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Store holds the conversation store configuration
	Store *StoreConfig `yaml:"store" mapstructure:"store" json:"store"`

	// OpenAI holds the text-generation configuration, including the key pool
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Images configures the image-generation endpoint
	Images *ImageConfig `yaml:"images" mapstructure:"images" json:"images"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the read-only status API server
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

func (c Config) validate() error {
	var errs []error
	if c.Discord == nil || c.Discord.Token == "" {
		errs = append(errs, errors.New("discord token is required"))
	}
	if c.OpenAI == nil || len(c.OpenAI.Keys) == 0 {
		errs = append(errs, errors.New("at least one openai key is required"))
	}
	if c.Store == nil || c.Store.Path == "" {
		errs = append(errs, errors.New("store path is required"))
	}
	return errors.Join(errs...)
}

// StoreConfig configures the conversation store's retention and
// persistence discipline.
type StoreConfig struct {
	// Path of the JSON document the store is persisted to
	Path string `yaml:"path" mapstructure:"path" json:"path"`

	// FlushQuietPeriod is the debounce window - a flush only executes after
	// this much time passes without another mutation
	FlushQuietPeriod time.Duration `yaml:"flush_quiet_period" mapstructure:"flush_quiet_period" json:"flush_quiet_period"`

	// FlushInterval is the safety-net periodic flush interval
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval" json:"flush_interval"`

	// RetentionWindow is the maximum age of a conversation entry
	RetentionWindow time.Duration `yaml:"retention_window" mapstructure:"retention_window" json:"retention_window"`

	// MaxHistory caps the number of entries kept per user
	MaxHistory int `yaml:"max_history" mapstructure:"max_history" json:"max_history"`

	// ContextMessages is how many recent entries are included in
	// generation prompts
	ContextMessages int `yaml:"context_messages" mapstructure:"context_messages" json:"context_messages"`
}

// OpenAIConfig configures the text-generation endpoint and its
// credential pool.
type OpenAIConfig struct {
	// Keys is the ordered credential pool. Empty entries are dropped.
	Keys []string `yaml:"keys" mapstructure:"keys" json:"keys" log:"[redacted]"`

	// BaseURL overrides the API base URL, for OpenAI-compatible endpoints.
	// Leave empty for the OpenAI default.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model is the chat completion model name
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// MaxTokens caps the completion length
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens"`

	// RequestTimeout bounds a single completion attempt
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// RequestsPerSecond limits outbound completion attempts
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second"`

	// Persona is prepended to every generation prompt
	Persona string `yaml:"persona" mapstructure:"persona" json:"persona"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ImageConfig configures the image-generation endpoint.
type ImageConfig struct {
	// URL is the image endpoint. The URL-encoded prompt is appended to it.
	URL string `yaml:"url" mapstructure:"url" json:"url"`

	// RequestTimeout bounds a single image fetch
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// ChannelID restricts the bot to a single channel. Leave empty to
	// answer mentions and DMs anywhere.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// NotificationChannelID, if set, receives StartupMessage when the bot
	// connects to the gateway
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// StatusRotationInterval is how often the custom status cycles
	StatusRotationInterval time.Duration `yaml:"status_rotation_interval" mapstructure:"status_rotation_interval" json:"status_rotation_interval"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// APIConfig configures the read-only status API server.
type APIConfig struct {
	// Enabled determines whether the API server runs at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
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
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultCORSAllowCreds,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Store: &StoreConfig{
			Path:             DefaultStorePath,
			FlushQuietPeriod: DefaultFlushQuietPeriod,
			FlushInterval:    DefaultFlushInterval,
			RetentionWindow:  DefaultRetentionWindow,
			MaxHistory:       DefaultMaxHistory,
			ContextMessages:  DefaultContextMessages,
		},
		OpenAI: &OpenAIConfig{
			Model:             DefaultOpenAIModel,
			MaxTokens:         DefaultOpenAIMaxTokens,
			RequestTimeout:    DefaultOpenAIRequestTimeout,
			RequestsPerSecond: DefaultOpenAIRequestsPerSecond,
			LogLevel:          openaiLogLevel,
		},
		Images: &ImageConfig{
			RequestTimeout: DefaultImageRequestTimeout,
		},
		Discord: &DiscordConfig{
			GatewayIntents:         DefaultDiscordGatewayIntent,
			LogLevel:               discordLogLevel,
			DiscordGoLogLevel:      discordgoLogLevel,
			StartupMessage:         DefaultDiscordStartupMessage,
			StatusRotationInterval: DefaultStatusRotationInterval,
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
