// Package config provides configuration for the livesession server and CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the livesession configuration.
type Config struct {
	// Server settings
	HTTPPort    int    `yaml:"http_port"`
	DatabaseURL string `yaml:"database_url"`

	// Blob storage. S3 is used when S3Bucket is set, otherwise BlobDir.
	BlobDir           string `yaml:"blob_dir"`
	BlobPublicBaseURL string `yaml:"blob_public_base_url"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
	S3AccessKey       string `yaml:"s3_access_key"`
	S3SecretKey       string `yaml:"s3_secret_key"`
	S3Endpoint        string `yaml:"s3_endpoint"`

	// Billing
	TaxRate       string  `yaml:"tax_rate"`
	DueDays       int     `yaml:"due_days"`
	MaxMultiplier float64 `yaml:"max_multiplier"`
	PolicyFile    string  `yaml:"policy_file"`

	// Input limits
	MaxMessageLength int   `yaml:"max_message_length"`
	MaxUploadBytes   int64 `yaml:"max_upload_bytes"`

	// Feed and polling, in milliseconds
	FeedMaxAttempts       int `yaml:"feed_max_attempts"`
	FeedInitialIntervalMS int `yaml:"feed_initial_interval_ms"`
	FeedMaxIntervalMS     int `yaml:"feed_max_interval_ms"`
	PollIntervalMS        int `yaml:"poll_interval_ms"`

	// Logging and telemetry
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	TraceFile   string `yaml:"trace_file"`
	MetricsFile string `yaml:"metrics_file"`
}

// Load reads an optional .env file, then the YAML file named by LIVESESSION_CONFIG,
// then environment variables. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaults()
	if path := os.Getenv("LIVESESSION_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPPort:              8080,
		DatabaseURL:           "file:livesession.db?cache=shared&mode=rwc",
		BlobDir:               "data/blobs",
		BlobPublicBaseURL:     "http://localhost:8080/blobs",
		TaxRate:               "0.18",
		DueDays:               15,
		MaxMultiplier:         5,
		MaxMessageLength:      4000,
		MaxUploadBytes:        25 << 20,
		FeedMaxAttempts:       5,
		FeedInitialIntervalMS: 200,
		FeedMaxIntervalMS:     5000,
		PollIntervalMS:        2000,
		LogLevel:              "info",
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.BlobDir = getEnv("BLOB_DIR", c.BlobDir)
	c.BlobPublicBaseURL = getEnv("BLOB_PUBLIC_BASE_URL", c.BlobPublicBaseURL)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)
	c.S3Region = getEnv("S3_REGION", c.S3Region)
	c.S3AccessKey = getEnv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getEnv("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)

	c.TaxRate = getEnv("TAX_RATE", c.TaxRate)
	c.DueDays = getEnvInt("INVOICE_DUE_DAYS", c.DueDays)
	c.MaxMultiplier = getEnvFloat("MAX_MULTIPLIER", c.MaxMultiplier)
	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)

	c.MaxMessageLength = getEnvInt("MAX_MESSAGE_LENGTH", c.MaxMessageLength)
	c.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))

	c.FeedMaxAttempts = getEnvInt("FEED_MAX_ATTEMPTS", c.FeedMaxAttempts)
	c.FeedInitialIntervalMS = getEnvInt("FEED_INITIAL_INTERVAL_MS", c.FeedInitialIntervalMS)
	c.FeedMaxIntervalMS = getEnvInt("FEED_MAX_INTERVAL_MS", c.FeedMaxIntervalMS)
	c.PollIntervalMS = getEnvInt("POLL_INTERVAL_MS", c.PollIntervalMS)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.TraceFile = getEnv("TRACE_FILE", c.TraceFile)
	c.MetricsFile = getEnv("METRICS_FILE", c.MetricsFile)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if _, err := c.Tax(); err != nil {
		return err
	}
	if c.DueDays < 0 {
		return fmt.Errorf("invoice due days must not be negative")
	}
	if c.S3Bucket == "" && c.BlobDir == "" {
		return fmt.Errorf("either S3_BUCKET or BLOB_DIR must be set")
	}
	return nil
}

// Tax parses the configured tax rate.
func (c *Config) Tax() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tax rate %q: %w", c.TaxRate, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("tax rate %s is negative", rate)
	}
	return rate, nil
}

// FeedInitialInterval is the first retry delay for feed subscriptions.
func (c *Config) FeedInitialInterval() time.Duration {
	return time.Duration(c.FeedInitialIntervalMS) * time.Millisecond
}

// FeedMaxInterval caps the feed retry delay.
func (c *Config) FeedMaxInterval() time.Duration {
	return time.Duration(c.FeedMaxIntervalMS) * time.Millisecond
}

// PollInterval is the store polling period while a feed is degraded.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
