package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Transfer modes for completed uploads.
const (
	ModeSync       = "sync"
	ModeBackground = "background"
)

// Config represents the application configuration
type Config struct {
	Server   Server   `yaml:"server"`
	Broker   Broker   `yaml:"broker"`
	Storage  Storage  `yaml:"storage"`
	Store    Store    `yaml:"store"`
	Sessions Sessions `yaml:"sessions"`
	Transfer Transfer `yaml:"transfer"`
	Upload   Upload   `yaml:"upload"`
	LogLevel string   `yaml:"log_level"`
}

// Server holds HTTP listener settings
type Server struct {
	Port string `yaml:"port"`
}

// Broker holds remote upload-broker client settings
type Broker struct {
	BaseURL        string `yaml:"base_url"`
	CallbackURL    string `yaml:"callback_url"`
	Retries        int    `yaml:"retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
	RetryCapMs     int    `yaml:"retry_cap_ms"`
	TimeoutSec     int    `yaml:"timeout_sec"`
}

// Storage holds S3-compatible object storage settings
type Storage struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	Secure     bool   `yaml:"secure"`
	PublicBase string `yaml:"public_base"`
	Enabled    bool   `yaml:"enabled"`
}

// Store holds durable state-store settings
type Store struct {
	Path          string `yaml:"path"`
	DefaultTTLSec int    `yaml:"default_ttl_sec"`
}

// Sessions holds session-registry settings
type Sessions struct {
	MaxConcurrent   int `yaml:"max_concurrent"`
	GraceWindowSec  int `yaml:"grace_window_sec"`
	ReapIntervalSec int `yaml:"reap_interval_sec"`
	TTLSec          int `yaml:"ttl_sec"`
}

// Transfer holds orchestrator settings
type Transfer struct {
	Mode      string `yaml:"mode"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// Upload holds intake validation settings
type Upload struct {
	MaxFileSize  int64    `yaml:"max_file_size"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// Load loads configuration from defaults, an optional YAML file,
// environment variables, and command line flags, in that order.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := defaults()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:   Server{Port: "8080"},
		LogLevel: "info",
		Broker: Broker{
			Retries:        3,
			RetryBackoffMs: 1000,
			RetryCapMs:     10000,
			TimeoutSec:     30,
		},
		Storage: Storage{
			Bucket:  "uploads",
			Enabled: true,
		},
		Store: Store{
			Path:          "./uploadrelay.db",
			DefaultTTLSec: 3600,
		},
		Sessions: Sessions{
			MaxConcurrent:   10,
			GraceWindowSec:  300,
			ReapIntervalSec: 300,
			TTLSec:          3600,
		},
		Transfer: Transfer{
			Mode:      ModeSync,
			Workers:   4,
			QueueSize: 64,
		},
		Upload: Upload{
			MaxFileSize: 100 * 1024 * 1024, // 100MB
		},
	}
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv reads credentials and endpoints from the environment,
// optionally seeded from a .env file.
func loadFromEnv(cfg *Config) {
	_ = godotenv.Load()

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Broker.BaseURL = getEnv("BROKER_URL", cfg.Broker.BaseURL)
	cfg.Broker.CallbackURL = getEnv("CALLBACK_URL", cfg.Broker.CallbackURL)
	cfg.Storage.Endpoint = getEnv("STORAGE_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKey = getEnv("STORAGE_ACCESS_KEY", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = getEnv("STORAGE_SECRET_KEY", cfg.Storage.SecretKey)
	cfg.Storage.Bucket = getEnv("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.PublicBase = getEnv("STORAGE_PUBLIC_BASE", cfg.Storage.PublicBase)
	if v := os.Getenv("STORAGE_USE_SSL"); v != "" {
		cfg.Storage.Secure = v == "true"
	}
	if v := os.Getenv("STORAGE_ENABLED"); v != "" {
		cfg.Storage.Enabled = v != "false"
	}
	cfg.Transfer.Mode = getEnv("TRANSFER_MODE", cfg.Transfer.Mode)
	if v := os.Getenv("MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.MaxConcurrent = n
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetString("port")
	}
	if flags.Changed("broker-url") {
		cfg.Broker.BaseURL, _ = flags.GetString("broker-url")
	}
	if flags.Changed("callback-url") {
		cfg.Broker.CallbackURL, _ = flags.GetString("callback-url")
	}
	if flags.Changed("retries") {
		cfg.Broker.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Broker.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("storage-endpoint") {
		cfg.Storage.Endpoint, _ = flags.GetString("storage-endpoint")
	}
	if flags.Changed("storage-access-key") {
		cfg.Storage.AccessKey, _ = flags.GetString("storage-access-key")
	}
	if flags.Changed("storage-secret-key") {
		cfg.Storage.SecretKey, _ = flags.GetString("storage-secret-key")
	}
	if flags.Changed("storage-secure") {
		cfg.Storage.Secure, _ = flags.GetBool("storage-secure")
	}
	if flags.Changed("bucket") {
		cfg.Storage.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("store-path") {
		cfg.Store.Path, _ = flags.GetString("store-path")
	}
	if flags.Changed("transfer-mode") {
		cfg.Transfer.Mode, _ = flags.GetString("transfer-mode")
	}
	if flags.Changed("max-concurrent") {
		cfg.Sessions.MaxConcurrent, _ = flags.GetInt("max-concurrent")
	}
	if flags.Changed("max-file-size") {
		cfg.Upload.MaxFileSize, _ = flags.GetInt64("max-file-size")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker base URL is required")
	}
	if c.Broker.CallbackURL == "" {
		return fmt.Errorf("callback URL is required")
	}
	if c.Broker.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}

	if c.Storage.Enabled {
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required")
		}
		if c.Storage.AccessKey == "" {
			return fmt.Errorf("storage access key is required")
		}
		if c.Storage.SecretKey == "" {
			return fmt.Errorf("storage secret key is required")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket is required")
		}
	}

	if c.Transfer.Mode != ModeSync && c.Transfer.Mode != ModeBackground {
		return fmt.Errorf("transfer mode must be %q or %q, got %q", ModeSync, ModeBackground, c.Transfer.Mode)
	}

	if c.Sessions.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent uploads must be positive")
	}

	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}

	return nil
}
