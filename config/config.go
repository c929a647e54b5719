package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	WebhookAtMostOnce  = "at-most-once"
	WebhookAtLeastOnce = "at-least-once"
)

type Config struct {
	Server    ServerConfig
	Backend   BackendConfig
	Database  DatabaseConfig
	Log       LogConfig
	WhatsApp  WhatsAppConfig
	Lifecycle LifecycleConfig
	Webhook   WebhookConfig
	Transcode TranscodeConfig
	Send      SendConfig
}

type ServerConfig struct {
	Port int
}

type BackendConfig struct {
	URL                string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

type DatabaseConfig struct {
	Path string
}

type LogConfig struct {
	Level         string
	Format        string
	WhatsAppLevel string
}

type WhatsAppConfig struct {
	DeviceName    string
	PrintQR       bool
	MediaDownload bool
}

type LifecycleConfig struct {
	ReconcileInterval        time.Duration
	ReconnectMaxAttempts     int
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
}

type WebhookConfig struct {
	Mode       string
	QueueSize  int
	Workers    int
	MaxElapsed time.Duration
}

type TranscodeConfig struct {
	FFmpegPath  string
	TempDir     string
	Concurrency int
	Bitrate     string
}

type SendConfig struct {
	Rate               float64
	Burst              int
	Timeout            time.Duration
	RecipientCacheTTL  time.Duration
	RecipientCacheSize int
}

// NewFlagSet declares the command-line overrides. Flags left unset fall back
// to the environment and then to defaults.
func NewFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.String("env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.Int("port", 3000, "HTTP listen port")
	flagSet.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flagSet.String("db-path", "data/whatsapp.db", "sqlite database holding session credentials")
	flagSet.Bool("print-qr", false, "print pairing QR codes to the terminal")
	return flagSet
}

// Load reads configuration from an optional dotenv file, the environment and
// flagSet (may be nil).
func Load(flagSet *pflag.FlagSet) (Config, error) {
	envFile := ".env"
	if flagSet != nil {
		if f := flagSet.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("api_url", "")
	v.SetDefault("api_timeout", 30*time.Second)
	v.SetDefault("api_insecure_skip_verify", false)
	v.SetDefault("db_path", "data/whatsapp.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("whatsapp_log_level", "warn")
	v.SetDefault("device_name", "Desktop")
	v.SetDefault("print_qr", false)
	v.SetDefault("media_download", false)
	v.SetDefault("reconcile_interval", 120*time.Second)
	v.SetDefault("reconnect_max_attempts", 10)
	v.SetDefault("reconnect_initial_interval", time.Second)
	v.SetDefault("reconnect_max_interval", 2*time.Minute)
	v.SetDefault("webhook_mode", WebhookAtMostOnce)
	v.SetDefault("webhook_queue_size", 1000)
	v.SetDefault("webhook_workers", 4)
	v.SetDefault("webhook_max_elapsed", time.Minute)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode_temp_dir", os.TempDir())
	v.SetDefault("transcode_concurrency", 2)
	v.SetDefault("transcode_bitrate", "32k")
	v.SetDefault("send_rate", 1.0)
	v.SetDefault("send_burst", 5)
	v.SetDefault("send_timeout", time.Duration(0))
	v.SetDefault("recipient_cache_ttl", 10*time.Minute)
	v.SetDefault("recipient_cache_size", 10000)

	if flagSet != nil {
		for key, flag := range map[string]string{
			"port":      "port",
			"log_level": "log-level",
			"db_path":   "db-path",
			"print_qr":  "print-qr",
		} {
			if f := flagSet.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	cfg := Config{
		Server: ServerConfig{Port: v.GetInt("port")},
		Backend: BackendConfig{
			URL:                strings.TrimRight(v.GetString("api_url"), "/"),
			Timeout:            v.GetDuration("api_timeout"),
			InsecureSkipVerify: v.GetBool("api_insecure_skip_verify"),
		},
		Database: DatabaseConfig{Path: v.GetString("db_path")},
		Log: LogConfig{
			Level:         strings.ToLower(v.GetString("log_level")),
			Format:        strings.ToLower(v.GetString("log_format")),
			WhatsAppLevel: strings.ToUpper(v.GetString("whatsapp_log_level")),
		},
		WhatsApp: WhatsAppConfig{
			DeviceName:    v.GetString("device_name"),
			PrintQR:       v.GetBool("print_qr"),
			MediaDownload: v.GetBool("media_download"),
		},
		Lifecycle: LifecycleConfig{
			ReconcileInterval:        v.GetDuration("reconcile_interval"),
			ReconnectMaxAttempts:     v.GetInt("reconnect_max_attempts"),
			ReconnectInitialInterval: v.GetDuration("reconnect_initial_interval"),
			ReconnectMaxInterval:     v.GetDuration("reconnect_max_interval"),
		},
		Webhook: WebhookConfig{
			Mode:       strings.ToLower(v.GetString("webhook_mode")),
			QueueSize:  v.GetInt("webhook_queue_size"),
			Workers:    v.GetInt("webhook_workers"),
			MaxElapsed: v.GetDuration("webhook_max_elapsed"),
		},
		Transcode: TranscodeConfig{
			FFmpegPath:  v.GetString("ffmpeg_path"),
			TempDir:     v.GetString("transcode_temp_dir"),
			Concurrency: v.GetInt("transcode_concurrency"),
			Bitrate:     v.GetString("transcode_bitrate"),
		},
		Send: SendConfig{
			Rate:               v.GetFloat64("send_rate"),
			Burst:              v.GetInt("send_burst"),
			Timeout:            v.GetDuration("send_timeout"),
			RecipientCacheTTL:  v.GetDuration("recipient_cache_ttl"),
			RecipientCacheSize: v.GetInt("recipient_cache_size"),
		},
	}

	if cfg.Transcode.Concurrency <= 0 {
		cfg.Transcode.Concurrency = 1
	}
	if cfg.Webhook.Workers <= 0 {
		cfg.Webhook.Workers = 1
	}
	if cfg.Send.Burst <= 0 {
		cfg.Send.Burst = 1
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("DB_PATH is required")
	}
	switch c.Webhook.Mode {
	case WebhookAtMostOnce, WebhookAtLeastOnce:
	default:
		return fmt.Errorf("invalid WEBHOOK_MODE %q: want %s or %s", c.Webhook.Mode, WebhookAtMostOnce, WebhookAtLeastOnce)
	}
	if c.Webhook.QueueSize <= 0 {
		return fmt.Errorf("invalid WEBHOOK_QUEUE_SIZE: %d", c.Webhook.QueueSize)
	}
	if c.Lifecycle.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS: %d", c.Lifecycle.ReconnectMaxAttempts)
	}
	if c.Lifecycle.ReconcileInterval <= 0 {
		return fmt.Errorf("invalid RECONCILE_INTERVAL: %s", c.Lifecycle.ReconcileInterval)
	}
	if c.Send.Rate <= 0 {
		return fmt.Errorf("invalid SEND_RATE: %v", c.Send.Rate)
	}
	if c.Send.RecipientCacheSize <= 0 {
		return fmt.Errorf("invalid RECIPIENT_CACHE_SIZE: %d", c.Send.RecipientCacheSize)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}
