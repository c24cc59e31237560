package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"bookingsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Backend    BackendConfig    `yaml:"backend"`
	Channel    ChannelConfig    `yaml:"channel"`
	Session    SessionConfig    `yaml:"session"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// BackendConfig describes the booking REST API.
type BackendConfig struct {
	BaseURL   string          `yaml:"base_url"`
	Token     string          `yaml:"token"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ChannelConfig describes the push connection and its reconnect backoff.
type ChannelConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	Jitter           float64       `yaml:"jitter"`
}

type SessionConfig struct {
	UserID           string        `yaml:"user_id"`
	OrganisationID   string        `yaml:"organisation_id"`
	DedupeWindowSize int           `yaml:"dedupe_window_size"`
	DedupeWindowTTL  time.Duration `yaml:"dedupe_window_ttl"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`
	ReconcileRetries int           `yaml:"reconcile_retries"`
}

// DatabaseConfig is the local SQLite file for warm reloads. An empty path
// keeps snapshots in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

// HTTPConfig is the local read-only status server.
type HTTPConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Address   string          `yaml:"address"`
	Port      int             `yaml:"port"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env не обязателен
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := validateURL("backend.base_url", c.Backend.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.Backend.Token == "" {
		return errors.New("backend token is required")
	}
	if err := validateURL("channel.url", c.Channel.URL, "ws", "wss"); err != nil {
		return err
	}
	if c.Session.UserID == "" || c.Session.OrganisationID == "" {
		return errors.New("session user_id and organisation_id are required")
	}
	if c.Channel.Jitter < 0 || c.Channel.Jitter > 1 {
		return fmt.Errorf("channel jitter must be within [0, 1], got %v", c.Channel.Jitter)
	}
	if c.Channel.BackoffCap < c.Channel.BackoffBase {
		return errors.New("channel backoff_cap must not be below backoff_base")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url", field, strings.Join(schemes, "/"))
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bookingsync"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = models.DefaultRequestTimeout
	}
	if c.Backend.RateLimit.RPS == 0 {
		c.Backend.RateLimit.RPS = 5
	}
	if c.Backend.RateLimit.Burst == 0 {
		c.Backend.RateLimit.Burst = 10
	}

	// Channel defaults
	if c.Channel.HandshakeTimeout == 0 {
		c.Channel.HandshakeTimeout = models.DefaultRequestTimeout
	}
	if c.Channel.HeartbeatTimeout == 0 {
		c.Channel.HeartbeatTimeout = models.DefaultHeartbeatTimeout
	}
	if c.Channel.BackoffBase == 0 {
		c.Channel.BackoffBase = models.ChannelBackoffBase
	}
	if c.Channel.BackoffCap == 0 {
		c.Channel.BackoffCap = models.ChannelBackoffCap
	}
	if c.Channel.BackoffFactor == 0 {
		c.Channel.BackoffFactor = models.ChannelBackoffFactor
	}
	if c.Channel.Jitter == 0 {
		c.Channel.Jitter = models.ChannelBackoffJitter
	}

	// Session defaults
	if c.Session.DedupeWindowSize == 0 {
		c.Session.DedupeWindowSize = models.DedupeWindowSize
	}
	if c.Session.DedupeWindowTTL == 0 {
		c.Session.DedupeWindowTTL = models.DedupeWindowTTL
	}
	if c.Session.SnapshotTTL == 0 {
		c.Session.SnapshotTTL = models.DefaultSnapshotTTL
	}
	if c.Session.ReconcileRetries == 0 {
		c.Session.ReconcileRetries = 5
	}

	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 4
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "127.0.0.1"
	}
	if c.HTTP.Enabled && c.HTTP.Port == 0 {
		c.HTTP.Port = 8090
	}
	if c.HTTP.RateLimit.RPS == 0 {
		c.HTTP.RateLimit.RPS = 20
	}
	if c.HTTP.RateLimit.Burst == 0 {
		c.HTTP.RateLimit.Burst = 40
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}
