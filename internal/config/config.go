package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultTokenSecretPath is where Docker mounts the bot token secret.
const DefaultTokenSecretPath = "/run/secrets/telegram_bot_token"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Secret hides its value when printed or logged.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[secret]"
}

// Value returns the wrapped string.
func (s Secret) Value() string { return string(s) }

// Config contains runtime configuration for autodelete.
type Config struct {
	ServerName       string        `yaml:"server_name" env:"SERVER_NAME"`
	LogLevel         string        `yaml:"log_level" env:"LOG_LEVEL"`
	TelegramAPIURL   string        `yaml:"telegram_api_url" env:"TELEGRAM_API_URL"`
	TelegramBotToken Secret        `yaml:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN"`
	TokenSecretPath  string        `yaml:"token_secret_path" env:"TOKEN_SECRET_PATH"`
	PollTimeout      time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	StorageDriver    string        `yaml:"storage_driver" env:"STORAGE_DRIVER"`
	StoragePath      string        `yaml:"storage_path" env:"STORAGE_PATH"`
	RedisAddr        string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisKeyPrefix   string        `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	MessageLifetime  time.Duration `yaml:"message_lifetime" env:"MESSAGE_LIFETIME"`
	DeletionPeriod   time.Duration `yaml:"deletion_period" env:"DELETION_PERIOD"`
	NodeleteHashtags []string      `yaml:"nodelete_hashtags" env:"NODELETE_HASHTAGS" envSeparator:","`
	DeleteWorkers    int           `yaml:"delete_workers" env:"DELETE_WORKERS"`
	DeleteQueueSize  int           `yaml:"delete_queue_size" env:"DELETE_QUEUE_SIZE"`
	MetricsAddr      string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:       "autodelete",
		LogLevel:         "info",
		TelegramAPIURL:   "https://api.telegram.org/",
		TokenSecretPath:  DefaultTokenSecretPath,
		PollTimeout:      30 * time.Second,
		StorageDriver:    DriverSQLite,
		StoragePath:      filepath.Join(userHomeDir(), ".autodelete", "records.db"),
		RedisAddr:        "localhost:6379",
		RedisKeyPrefix:   "autodelete",
		// Telegram only lets bots delete messages younger than 48 hours.
		MessageLifetime:  42 * time.Hour,
		DeletionPeriod:   5 * time.Minute,
		NodeleteHashtags: []string{"nodelete"},
		DeleteWorkers:    4,
		DeleteQueueSize:  1024,
	}
}

// Load builds the config from defaults, an optional YAML file and the
// environment, in that order. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if cfg.TelegramBotToken == "" {
		cfg.TelegramBotToken = readSecret(cfg.TokenSecretPath)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.MessageLifetime <= 0 {
		return errors.New("message_lifetime must be > 0")
	}
	if c.DeletionPeriod <= 0 {
		return errors.New("deletion_period must be > 0")
	}
	if c.PollTimeout < 0 {
		return errors.New("poll_timeout must be >= 0")
	}
	if c.DeleteWorkers <= 0 {
		return errors.New("delete_workers must be > 0")
	}
	if c.DeleteQueueSize <= 0 {
		return errors.New("delete_queue_size must be > 0")
	}
	switch c.StorageDriver {
	case DriverSQLite:
		if c.StoragePath == "" {
			return errors.New("storage_path must not be empty")
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr must not be empty")
		}
	default:
		return fmt.Errorf("unknown storage_driver %q", c.StorageDriver)
	}
	return nil
}

// RequireToken reports an error when no bot token could be found.
func (c *Config) RequireToken() error {
	if strings.TrimSpace(c.TelegramBotToken.Value()) == "" {
		return fmt.Errorf("telegram_bot_token is required: set TELEGRAM_BOT_TOKEN or mount %s", c.TokenSecretPath)
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	if c.StorageDriver != DriverSQLite {
		return nil
	}
	c.StoragePath = ExpandPath(c.StoragePath)
	parent := filepath.Dir(c.StoragePath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create storage parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func readSecret(path string) Secret {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return Secret(strings.TrimSpace(string(b)))
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
