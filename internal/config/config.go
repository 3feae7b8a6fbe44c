package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Storage      StorageConfig      `yaml:"storage"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Backup       BackupConfig       `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
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

const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	// EncryptionKey enables authenticated encryption of local values when set.
	EncryptionKey string `yaml:"encryption_key"`
}

const (
	RemoteHTTP   = "http"
	RemoteMemory = "memory"
)

type RemoteConfig struct {
	Mode           string        `yaml:"mode"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
}

type ConnectivityConfig struct {
	ProbeURL        string        `yaml:"probe_url"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
}

const (
	DeadLetterNone   = "none"
	DeadLetterSQLite = "sqlite"
	DeadLetterRedis  = "redis"
)

type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"`
	RetryCeiling    int           `yaml:"retry_ceiling"`
	MaxOperationAge time.Duration `yaml:"max_operation_age"`
	DeadLetter      string        `yaml:"dead_letter"`
	DebounceQuiet   time.Duration `yaml:"debounce_quiet"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; only a malformed file is an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

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
	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite storage")
		}
	case StorageRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Remote.Mode {
	case RemoteHTTP:
		if c.Remote.BaseURL == "" {
			return errors.New("remote base_url is required in http mode")
		}
	case RemoteMemory:
	default:
		return fmt.Errorf("unknown remote mode %q", c.Remote.Mode)
	}

	switch c.Sync.DeadLetter {
	case DeadLetterNone:
	case DeadLetterSQLite:
		if c.Database.Path == "" {
			return errors.New("sqlite dead letters require database path")
		}
	case DeadLetterRedis:
		if c.Redis.Address == "" {
			return errors.New("redis dead letters require redis address")
		}
	default:
		return fmt.Errorf("unknown dead_letter sink %q", c.Sync.DeadLetter)
	}

	if c.Sync.RetryCeiling < 1 {
		return errors.New("sync retry_ceiling must be at least 1")
	}
	if c.Sync.MaxConcurrent < 1 {
		return errors.New("sync max_concurrent must be at least 1")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "dailysync"
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageSQLite
	}
	c.Remote.Mode = strings.ToLower(strings.TrimSpace(c.Remote.Mode))
	if c.Remote.Mode == "" {
		c.Remote.Mode = RemoteHTTP
	}
	if c.Remote.RequestTimeout == 0 {
		c.Remote.RequestTimeout = 10 * time.Second
	}
	if c.Remote.Burst == 0 {
		c.Remote.Burst = 10
	}

	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = 3 * time.Second
	}
	if c.Connectivity.PollInterval == 0 {
		c.Connectivity.PollInterval = 15 * time.Second
	}
	if c.Connectivity.MaxPollInterval == 0 {
		c.Connectivity.MaxPollInterval = 2 * time.Minute
	}
	if c.Connectivity.ProbeURL == "" && c.Remote.BaseURL != "" {
		c.Connectivity.ProbeURL = strings.TrimRight(c.Remote.BaseURL, "/") + "/rest/v1/"
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.RetryCeiling == 0 {
		c.Sync.RetryCeiling = 3
	}
	if c.Sync.DebounceQuiet == 0 {
		c.Sync.DebounceQuiet = 1500 * time.Millisecond
	}
	if c.Sync.MaxConcurrent == 0 {
		c.Sync.MaxConcurrent = 1
	}
	c.Sync.DeadLetter = strings.ToLower(strings.TrimSpace(c.Sync.DeadLetter))
	if c.Sync.DeadLetter == "" {
		switch c.Storage.Driver {
		case StorageSQLite:
			c.Sync.DeadLetter = DeadLetterSQLite
		case StorageRedis:
			c.Sync.DeadLetter = DeadLetterRedis
		default:
			c.Sync.DeadLetter = DeadLetterNone
		}
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
}
