package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orian/protoboard/models"
	"gopkg.in/yaml.v3"
)

// Activity sinks.
const (
	SinkNone       = "none"
	SinkLog        = "log"
	SinkClickHouse = "clickhouse"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Activity   ActivityConfig   `yaml:"activity"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Limits     LimitsConfig     `yaml:"limits"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type StoreConfig struct {
	// Driver is one of sqlite, duckdb or pgx.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	// Mode is "dev" or "prod".
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret string `yaml:"jwtSecret"`
}

type ActivityConfig struct {
	Sink          string        `yaml:"sink"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
}

type LimitsConfig struct {
	MaxNameLength        int `yaml:"maxNameLength"`
	MaxDescriptionLength int `yaml:"maxDescriptionLength"`
	MaxHTMLBytes         int `yaml:"maxHtmlBytes"`
	MaxDocumentBytes     int `yaml:"maxDocumentBytes"`
}

func (l LimitsConfig) Limits() models.Limits {
	return models.Limits{
		MaxNameLength:        l.MaxNameLength,
		MaxDescriptionLength: l.MaxDescriptionLength,
		MaxHTMLBytes:         l.MaxHTMLBytes,
		MaxDocumentBytes:     l.MaxDocumentBytes,
	}
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "./protoboard.db",
		},
		Log: LogConfig{Mode: "dev", Level: "info"},
		Activity: ActivityConfig{
			Sink:          SinkLog,
			Table:         "protoboard_activity",
			BatchSize:     500,
			FlushInterval: 5 * time.Second,
		},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost:9000",
			Database: "default",
			User:     "default",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// at path, and environment overrides, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envString("PROTOBOARD_ADDR", c.Server.Addr)
	c.Store.Driver = envString("PROTOBOARD_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envString("PROTOBOARD_STORE_DSN", c.Store.DSN)
	c.Log.Mode = envString("PROTOBOARD_LOG_MODE", c.Log.Mode)
	c.Log.Level = envString("PROTOBOARD_LOG_LEVEL", c.Log.Level)
	c.Auth.JWTSecret = envString("PROTOBOARD_JWT_SECRET", c.Auth.JWTSecret)
	c.Activity.Sink = envString("PROTOBOARD_ACTIVITY_SINK", c.Activity.Sink)
	c.Activity.BatchSize = envInt("PROTOBOARD_ACTIVITY_BATCH_SIZE", c.Activity.BatchSize)

	c.ClickHouse.Host = envString("CLICKHOUSE_HOST", c.ClickHouse.Host)
	c.ClickHouse.Database = envString("CLICKHOUSE_DATABASE", c.ClickHouse.Database)
	c.ClickHouse.User = envString("CLICKHOUSE_USER", c.ClickHouse.User)
	c.ClickHouse.Password = envString("CLICKHOUSE_PASSWORD", c.ClickHouse.Password)
	c.ClickHouse.Secure = envBool("CLICKHOUSE_SECURE", c.ClickHouse.Secure)
	// Port 9440 is ClickHouse's native TLS port.
	if strings.Contains(c.ClickHouse.Host, ":9440") {
		c.ClickHouse.Secure = true
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverDuckDB, DriverPostgres:
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required")
	}
	switch c.Activity.Sink {
	case SinkNone, SinkLog, SinkClickHouse:
	default:
		return fmt.Errorf("activity.sink: unsupported sink %q", c.Activity.Sink)
	}
	if c.Activity.Sink == SinkClickHouse && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host: required by the clickhouse activity sink")
	}
	return nil
}

// ValidateServe checks the settings only the HTTP server needs.
func (c *Config) ValidateServe() error {
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwtSecret: must be at least 16 bytes")
	}
	return nil
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func maskPassword(password string) string {
	if password == "" {
		return "<empty>"
	}
	if len(password) <= 2 {
		return password
	}
	return string(password[0]) + strings.Repeat("*", len(password)-2) + string(password[len(password)-1])
}
