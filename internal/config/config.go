// Package config handles loading and validating the intercom configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/nadzzz/intercom/internal/audio"
	"github.com/nadzzz/intercom/internal/capture"
	"github.com/nadzzz/intercom/internal/classify"
	"github.com/nadzzz/intercom/internal/dispatch"
	"github.com/nadzzz/intercom/internal/feedback"
	"github.com/nadzzz/intercom/internal/settings"
)

// Config is the root configuration for the intercom daemon and CLI.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Transports TransportsConfig `mapstructure:"transports"`
	Dispatch   dispatch.Config  `mapstructure:"dispatch"`
	Capture    capture.Config   `mapstructure:"capture"`
	Classifier classify.Config  `mapstructure:"classifier"`
	Audio      audio.Config     `mapstructure:"audio"`
	Settings   settings.Config  `mapstructure:"settings"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	v *viper.Viper
}

// ServerConfig holds the health check server settings.
type ServerConfig struct {
	HealthPort int `mapstructure:"health_port"`
}

// TransportsConfig holds the configuration for each inbound transport.
type TransportsConfig struct {
	GRPC GRPCConfig `mapstructure:"grpc"`
	HTTP HTTPConfig `mapstructure:"http"`
}

// GRPCConfig configures the gRPC health endpoint.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HTTPConfig configures the local UI API.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
}

// FeedbackConfig configures the state machine and the typing reveal.
type FeedbackConfig struct {
	feedback.Config `mapstructure:",squash"`
	TypingInterval  time.Duration `mapstructure:"typing_interval"`
}

// TTSConfig configures the local synthesis fallback.
type TTSConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Backend string      `mapstructure:"backend"` // "piper"
	Piper   PiperConfig `mapstructure:"piper"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// Endpoints maps language codes to dedicated Wyoming servers; Endpoint is
// used for every other language.
type PiperConfig struct {
	Endpoint  string            `mapstructure:"endpoint"`  // host:port
	Endpoints map[string]string `mapstructure:"endpoints"` // language -> host:port
	Voices    map[string]string `mapstructure:"voices"`    // language -> voice model
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("transports.grpc.enabled", false)
	v.SetDefault("transports.grpc.port", 50051)
	v.SetDefault("transports.http.enabled", true)
	v.SetDefault("transports.http.host", "127.0.0.1")
	v.SetDefault("transports.http.port", 8090)
	v.SetDefault("dispatch.base_url", "http://localhost:8080/api")
	v.SetDefault("dispatch.audio_path", "/command/audio")
	v.SetDefault("dispatch.text_path", "/command/text")
	v.SetDefault("dispatch.timeout", "10s")
	v.SetDefault("dispatch.min_audio_bytes", dispatch.DefaultMinAudioBytes)
	v.SetDefault("dispatch.max_capture_duration", "5s")
	v.SetDefault("capture.command", capture.DefaultExecCommand)
	v.SetDefault("capture.mime_type", "audio/wav")
	v.SetDefault("capture.file", "")
	v.SetDefault("classifier.failure_phrases", classify.DefaultFailurePhrases)
	v.SetDefault("classifier.placeholders", classify.DefaultPlaceholders)
	v.SetDefault("audio.origin", audio.DefaultOrigin)
	v.SetDefault("audio.player_command", audio.DefaultPlayerCommand)
	v.SetDefault("audio.temp_dir", "")
	v.SetDefault("audio.disabled", false)
	v.SetDefault("settings.cache_path", defaultCachePath())
	v.SetDefault("settings.remote", "http")
	v.SetDefault("settings.base_url", "http://localhost:8080/api")
	v.SetDefault("settings.timeout", "10s")
	v.SetDefault("settings.redis.addr", "localhost:6379")
	v.SetDefault("settings.redis.db", 0)
	v.SetDefault("settings.redis.key", "intercom:"+settings.CacheKey)
	v.SetDefault("settings.breaker.failures", 3)
	v.SetDefault("settings.breaker.open_for", "30s")
	v.SetDefault("feedback.responded_hold", "0s")
	v.SetDefault("feedback.fallback_text", feedback.MsgFallback)
	v.SetDefault("feedback.synthesis_engine", "piper")
	v.SetDefault("feedback.typing_interval", feedback.DefaultTypingInterval.String())
	v.SetDefault("tts.enabled", false)
	v.SetDefault("tts.backend", "piper")
	v.SetDefault("tts.piper.endpoint", "localhost:10200")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./intercom.yaml, ./configs/intercom.yaml, /etc/intercom/intercom.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("intercom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/intercom")
	}

	// Environment variables: INTERCOM_DISPATCH_BASE_URL, INTERCOM_SETTINGS_REMOTE, etc.
	v.SetEnvPrefix("INTERCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The config file is optional; env vars and defaults are sufficient.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.v = v

	// Resolve env var references in sensitive fields (e.g., "${REDIS_PASSWORD}").
	cfg.Settings.Redis.Password = resolveEnvRef(cfg.Settings.Redis.Password)
	cfg.Settings.BaseURL = resolveEnvRef(cfg.Settings.BaseURL)
	cfg.Dispatch.BaseURL = resolveEnvRef(cfg.Dispatch.BaseURL)
	return &cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.Dispatch.BaseURL == "" {
		return fmt.Errorf("dispatch.base_url is required")
	}
	switch c.Settings.Remote {
	case "", "none", "http", "redis":
	default:
		return fmt.Errorf("settings.remote must be one of none, http, redis (got %q)", c.Settings.Remote)
	}
	if c.Dispatch.MinAudioBytes < 0 {
		return fmt.Errorf("dispatch.min_audio_bytes must not be negative")
	}
	return nil
}

// Watch re-reads the config file whenever it changes and passes the new
// configuration to onChange. Invalid edits are logged and skipped. Watch does
// nothing when no config file was loaded.
func (c *Config) Watch(onChange func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		next, err := decode(c.v)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			slog.Warn("ignoring invalid config change", "path", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "path", e.Name)
		onChange(next)
	})
	c.v.WatchConfig()
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ":memory:"
	}
	return dir + "/intercom/cache.db"
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
