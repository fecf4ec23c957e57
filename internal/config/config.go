package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "POLLS"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultAllowedOrigin        = "http://localhost:8080"
	defaultPollTTLSeconds       = 2592000
	defaultMaxKeyAttempts       = 16
	defaultTallyPageSize        = 1000
	defaultTallyReadConcurrency = 8
	defaultHeartbeatSeconds     = 25
	defaultStoreDriver          = DriverSQLite
	defaultSQLitePath           = "polls.db"
	defaultSweepSeconds         = 300
	defaultBuntDBPath           = "polls.buntdb"
	defaultRedisAddress         = "127.0.0.1:6379"
	defaultRedisPoolSize        = 10
	defaultDynamoTable          = "polls"
)

// Store drivers accepted by store.driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverBuntDB   = "buntdb"
	DriverRedis    = "redis"
	DriverDynamoDB = "dynamodb"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	LogLevel             string
	LogFormat            string
	AllowedOrigins       []string
	PollTTL              time.Duration
	MaxKeyAttempts       int
	TallyPageSize        int
	TallyReadConcurrency int
	HeartbeatInterval    time.Duration
	Store                StoreConfig
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	Driver         string
	SQLitePath     string
	SweepInterval  time.Duration
	BuntDBPath     string
	RedisAddress   string
	RedisPoolSize  int
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("poll.ttl_seconds", defaultPollTTLSeconds)
	configViper.SetDefault("keys.max_attempts", defaultMaxKeyAttempts)
	configViper.SetDefault("tally.page_size", defaultTallyPageSize)
	configViper.SetDefault("tally.read_concurrency", defaultTallyReadConcurrency)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.sqlite.path", defaultSQLitePath)
	configViper.SetDefault("store.sweep_interval_seconds", defaultSweepSeconds)
	configViper.SetDefault("store.buntdb.path", defaultBuntDBPath)
	configViper.SetDefault("store.redis.address", defaultRedisAddress)
	configViper.SetDefault("store.redis.pool_size", defaultRedisPoolSize)
	configViper.SetDefault("store.dynamodb.table", defaultDynamoTable)
	configViper.SetDefault("store.dynamodb.region", "")
	configViper.SetDefault("store.dynamodb.endpoint", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
		PollTTL:              time.Duration(configViper.GetInt64("poll.ttl_seconds")) * time.Second,
		MaxKeyAttempts:       configViper.GetInt("keys.max_attempts"),
		TallyPageSize:        configViper.GetInt("tally.page_size"),
		TallyReadConcurrency: configViper.GetInt("tally.read_concurrency"),
		HeartbeatInterval:    time.Duration(configViper.GetInt64("realtime.heartbeat_seconds")) * time.Second,
		Store: StoreConfig{
			Driver:         strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
			SQLitePath:     configViper.GetString("store.sqlite.path"),
			SweepInterval:  time.Duration(configViper.GetInt64("store.sweep_interval_seconds")) * time.Second,
			BuntDBPath:     configViper.GetString("store.buntdb.path"),
			RedisAddress:   configViper.GetString("store.redis.address"),
			RedisPoolSize:  configViper.GetInt("store.redis.pool_size"),
			DynamoTable:    configViper.GetString("store.dynamodb.table"),
			DynamoRegion:   configViper.GetString("store.dynamodb.region"),
			DynamoEndpoint: configViper.GetString("store.dynamodb.endpoint"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	if c.PollTTL <= 0 {
		return fmt.Errorf("poll.ttl_seconds must be positive")
	}
	if c.MaxKeyAttempts <= 0 {
		return fmt.Errorf("keys.max_attempts must be positive")
	}
	if c.TallyPageSize <= 0 {
		return fmt.Errorf("tally.page_size must be positive")
	}
	if c.TallyReadConcurrency <= 0 {
		return fmt.Errorf("tally.read_concurrency must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	return c.Store.validate()
}

func (s StoreConfig) validate() error {
	switch s.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
		if s.SweepInterval <= 0 {
			return fmt.Errorf("store.sweep_interval_seconds must be positive")
		}
	case DriverBuntDB:
		if strings.TrimSpace(s.BuntDBPath) == "" {
			return fmt.Errorf("store.buntdb.path is required")
		}
	case DriverRedis:
		if strings.TrimSpace(s.RedisAddress) == "" {
			return fmt.Errorf("store.redis.address is required")
		}
		if s.RedisPoolSize <= 0 {
			return fmt.Errorf("store.redis.pool_size must be positive")
		}
	case DriverDynamoDB:
		if strings.TrimSpace(s.DynamoTable) == "" {
			return fmt.Errorf("store.dynamodb.table is required")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", s.Driver)
	}
	return nil
}

// splitList accepts both list values and comma separated strings from env.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
