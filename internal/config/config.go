package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"lodging/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig          `yaml:"app"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Backup      BackupConfig       `yaml:"backup"`
	Monitoring  MonitoringConfig   `yaml:"monitoring"`
	Logging     LoggingConfig      `yaml:"logging"`
	API         APIConfig          `yaml:"api"`
	Gateway     APIConfig          `yaml:"gateway"`
	Backend     BackendConfig      `yaml:"backend"`
	Booking     BookingConfig      `yaml:"booking"`
	Habitations []HabitationConfig `yaml:"habitations"`
}

// APIConfig configures one HTTP server: the reference backend API or the
// UI-facing gateway.
type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	Caller   bool   `yaml:"caller"`
}

// BackendConfig points the engine at the authoritative reservation API.
type BackendConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	APIExtra string        `yaml:"api_extra"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// BookingConfig holds the reservation engine's timing knobs.
type BookingConfig struct {
	PaymentWindow            time.Duration `yaml:"payment_window"`
	PollInterval             time.Duration `yaml:"poll_interval"`
	IndexMaxAge              time.Duration `yaml:"index_max_age"`
	NextAvailableHorizonDays int           `yaml:"next_available_horizon_days"`
	ReservationTTL           time.Duration `yaml:"reservation_ttl"`
	SettledRetention         time.Duration `yaml:"settled_retention"`
	CreateLimit              int           `yaml:"create_limit"`
	CreateLimitWindow        time.Duration `yaml:"create_limit_window"`
}

type HabitationConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Substitute environment variables before parsing
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
	if c.Booking.PollInterval >= c.Booking.PaymentWindow {
		return fmt.Errorf("booking poll_interval (%s) must be shorter than payment_window (%s)", c.Booking.PollInterval, c.Booking.PaymentWindow)
	}
	if c.Booking.NextAvailableHorizonDays < 1 {
		return errors.New("booking next_available_horizon_days must be positive")
	}

	if c.Gateway.Enabled && c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required when the gateway is enabled")
	}
	if c.API.Enabled && c.Database.Path == "" {
		return errors.New("database path is required when the api is enabled")
	}

	return ValidateHabitations(c.Habitations)
}

func ValidateHabitations(habitations []HabitationConfig) error {
	ids := make(map[string]bool)
	for _, h := range habitations {
		id := strings.TrimSpace(h.ID)
		if id == "" {
			return fmt.Errorf("habitation '%s' has an empty id", h.Name)
		}
		if ids[id] {
			return fmt.Errorf("duplicate habitation id found: %s", id)
		}
		ids[id] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Gateway.HTTP.Port == 0 {
		c.Gateway.HTTP.Port = 8090
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	for _, api := range []*APIConfig{&c.API, &c.Gateway} {
		// auth enabled by default
		if !api.Auth.Enabled {
			api.Auth.Enabled = true
		}
		if !api.HTTP.Enabled && api.Enabled {
			api.HTTP.Enabled = true
		}
		if api.Auth.HeaderAPIKey == "" {
			api.Auth.HeaderAPIKey = "x-api-key"
		}
		if api.Auth.HeaderExtra == "" {
			api.Auth.HeaderExtra = "x-api-extra"
		}
		if api.RateLimit.RPS == 0 {
			api.RateLimit.RPS = models.RateLimitRPS
		}
		if api.RateLimit.Burst == 0 {
			api.RateLimit.Burst = models.RateLimitBurst
		}
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.Retry.InitialDelay == 0 {
		c.Backend.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Backend.Retry.MaxDelay == 0 {
		c.Backend.Retry.MaxDelay = 2 * time.Second
	}

	// Booking defaults
	if c.Booking.PaymentWindow == 0 {
		c.Booking.PaymentWindow = models.DefaultPaymentWindow
	}
	if c.Booking.PollInterval == 0 {
		c.Booking.PollInterval = models.DefaultPollInterval
	}
	if c.Booking.IndexMaxAge == 0 {
		c.Booking.IndexMaxAge = models.DefaultIndexMaxAge
	}
	if c.Booking.NextAvailableHorizonDays == 0 {
		c.Booking.NextAvailableHorizonDays = models.DefaultNextAvailableHorizonDays
	}
	if c.Booking.ReservationTTL == 0 {
		c.Booking.ReservationTTL = models.DefaultReservationTTL
	}
	if c.Booking.SettledRetention == 0 {
		c.Booking.SettledRetention = models.DefaultSettledRetention
	}
	if c.Booking.CreateLimitWindow == 0 {
		c.Booking.CreateLimitWindow = time.Minute
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
}
