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

	"github.com/UmbraXDev/Luna/luna"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = luna.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "luna [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
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
// config fields.
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

		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
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
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", luna.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		luna.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		luna.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", luna.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", luna.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", luna.DefaultShutdownTimeout)

	// Store config
	viper.SetDefault("store.path", luna.DefaultStorePath)
	viper.SetDefault("store.flush_quiet_period", luna.DefaultFlushQuietPeriod)
	viper.SetDefault("store.flush_interval", luna.DefaultFlushInterval)
	viper.SetDefault("store.retention_window", luna.DefaultRetentionWindow)
	viper.SetDefault("store.max_history", luna.DefaultMaxHistory)
	viper.SetDefault("store.context_messages", luna.DefaultContextMessages)

	// OpenAI config
	viper.SetDefault("openai.log_level", luna.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.keys", []string{})
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", luna.DefaultOpenAIModel)
	viper.SetDefault("openai.max_tokens", luna.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.request_timeout", luna.DefaultOpenAIRequestTimeout)
	viper.SetDefault(
		"openai.requests_per_second",
		luna.DefaultOpenAIRequestsPerSecond,
	)
	viper.SetDefault("openai.persona", "")

	// Image config
	viper.SetDefault("images.url", "")
	viper.SetDefault("images.request_timeout", luna.DefaultImageRequestTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.channel_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		luna.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.status_rotation_interval",
		luna.DefaultStatusRotationInterval,
	)
	viper.SetDefault(
		"discord.gateway_intents",
		luna.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		luna.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		luna.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", luna.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", luna.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", luna.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		luna.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", luna.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", luna.DefaultIdleTimeout)
	viper.SetDefault("api.cors.allow_methods", luna.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", luna.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", luna.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		luna.DefaultCORSAllowCreds,
	)

	viper.SetEnvPrefix(luna.DefaultEnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Comma-separated env values need converting to slices
	viper.Set("openai.keys", viper.GetStringSlice("openai.keys"))
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to use",
	)
}
