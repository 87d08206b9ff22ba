package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. POSTERFLOW_POSTER_TOKEN.
const EnvPrefix = "POSTERFLOW"

// TokenEnv is read when no token is configured.
const TokenEnv = "POSTER_TOKEN"

var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for our application
type Config struct {
	Poster  PosterConfig  `mapstructure:"poster" yaml:"poster"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Export  ExportConfig  `mapstructure:"export" yaml:"export"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

type PosterConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Token       string        `mapstructure:"token" yaml:"token"`
	PageSize    int           `mapstructure:"page_size" yaml:"page_size"`
	PageDelay   time.Duration `mapstructure:"page_delay" yaml:"page_delay"`
	MaxPages    int           `mapstructure:"max_pages" yaml:"max_pages"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BulkTimeout time.Duration `mapstructure:"bulk_timeout" yaml:"bulk_timeout"`
	Retries     int           `mapstructure:"retries" yaml:"retries"`
	Location    string        `mapstructure:"location" yaml:"location"`
}

// Loc returns the time zone of the Poster account.
func (p PosterConfig) Loc() (*time.Location, error) {
	if p.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Location)
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Workbook string `mapstructure:"workbook" yaml:"workbook"`
}

type SyncConfig struct {
	Schedule     string        `mapstructure:"schedule" yaml:"schedule"`
	LookbackDays int           `mapstructure:"lookback_days" yaml:"lookback_days"`
	Bootstrap    bool          `mapstructure:"bootstrap" yaml:"bootstrap"`
	Entities     []string      `mapstructure:"entities" yaml:"entities"`
	TopN         int           `mapstructure:"top_n" yaml:"top_n"`
	RunHistory   int           `mapstructure:"run_history" yaml:"run_history"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ExportConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style" yaml:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	Metrics         bool   `mapstructure:"metrics" yaml:"metrics"`
	Namespace       string `mapstructure:"namespace" yaml:"namespace"`
}

type ServerConfig struct {
	Host           string  `mapstructure:"host" yaml:"host"`
	GRPCPort       int     `mapstructure:"grpc_port" yaml:"grpc_port"`
	HTTPPort       int     `mapstructure:"http_port" yaml:"http_port"`
	CacheSize      int     `mapstructure:"cache_size" yaml:"cache_size"`
	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	AdminPassword  string  `mapstructure:"admin_password" yaml:"admin_password"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Load reads configuration from file and environment variables.
//
// A .env file next to the working directory is loaded first when present.
// ${VAR} references in the file are expanded, then POSTERFLOW_* variables
// override individual keys (POSTERFLOW_STORAGE_DSN for storage.dsn).
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Poster.Token == "" {
		config.Poster.Token = os.Getenv(TokenEnv)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	if c.Poster.BaseURL == "" {
		return fmt.Errorf("%w: poster.base_url is empty", ErrInvalid)
	}
	if c.Poster.PageSize <= 0 {
		return fmt.Errorf("%w: poster.page_size must be positive", ErrInvalid)
	}
	if _, err := c.Poster.Loc(); err != nil {
		return fmt.Errorf("%w: poster.location: %v", ErrInvalid, err)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "postgres", "postgresql", "sqlite", "mysql", "excel", "xlsx":
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrInvalid, c.Storage.Driver)
	}
	if c.Export.Enabled && c.Export.Bucket == "" {
		return fmt.Errorf("%w: export.bucket is required when export is enabled", ErrInvalid)
	}
	return nil
}

const redacted = "********"

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}

	out := *c
	out.Poster.Token = mask(c.Poster.Token)
	out.Export.AccessKeyID = mask(c.Export.AccessKeyID)
	out.Export.SecretAccessKey = mask(c.Export.SecretAccessKey)
	out.Server.AdminPassword = mask(c.Server.AdminPassword)
	// SQLite and workbook paths carry no credentials.
	if d := strings.ToLower(c.Storage.Driver); d != "sqlite" && d != "" {
		out.Storage.DSN = mask(c.Storage.DSN)
	}
	out.Sync.Entities = append([]string(nil), c.Sync.Entities...)
	return out
}

// Dump renders the effective configuration as YAML with credentials masked.
func (c *Config) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poster.base_url", "https://joinposter.com/api")
	v.SetDefault("poster.token", "")
	v.SetDefault("poster.page_size", 100)
	v.SetDefault("poster.page_delay", 200*time.Millisecond)
	v.SetDefault("poster.max_pages", 500)
	v.SetDefault("poster.timeout", 10*time.Second)
	v.SetDefault("poster.bulk_timeout", 30*time.Second)
	v.SetDefault("poster.retries", 2)
	v.SetDefault("poster.location", "UTC")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "posterflow.db")
	v.SetDefault("storage.workbook", "posterflow.xlsx")

	v.SetDefault("sync.schedule", "*/15 * * * *")
	v.SetDefault("sync.lookback_days", 1)
	v.SetDefault("sync.bootstrap", false)
	v.SetDefault("sync.entities", []string{})
	v.SetDefault("sync.top_n", 10)
	v.SetDefault("sync.run_history", 32)
	v.SetDefault("sync.timeout", 10*time.Minute)

	v.SetDefault("export.enabled", false)
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.region", "eu-central-1")
	v.SetDefault("export.prefix", "posterflow")
	v.SetDefault("export.endpoint", "")
	v.SetDefault("export.path_style", false)
	v.SetDefault("export.access_key_id", "")
	v.SetDefault("export.secret_access_key", "")
	v.SetDefault("export.metrics", false)
	v.SetDefault("export.namespace", "PosterFlow")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.cache_size", 1000)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.admin_password", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}
