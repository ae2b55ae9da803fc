// Package config loads the service configuration from an optional YAML file
// with environment variable overrides layered on top. Environment names match
// the ones the Jasmin deployment tooling already exports, so the service drops
// into an existing compose file without a config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the service configuration schema.
type Config struct {
	AMQP    AMQPConfig   `yaml:"amqp"`
	Mongo   MongoConfig  `yaml:"mongo"`
	Retry   RetryConfig  `yaml:"retry"`
	Privacy bool         `yaml:"privacy"`
	Log     LogConfig    `yaml:"log"`
	Server  ServerConfig `yaml:"server"`
}

type AMQPConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	VHost            string   `yaml:"vhost"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	HeartbeatSeconds int      `yaml:"heartbeat_seconds"`
	Exchange         string   `yaml:"exchange"`
	Queue            string   `yaml:"queue"`
	Bindings         []string `yaml:"bindings"`
	Prefetch         int      `yaml:"prefetch"`
}

type MongoConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Database         string `yaml:"database"`
	Collection       string `yaml:"collection"`
	UserCollection   string `yaml:"user_collection"`
}

// RetryConfig governs both reconnect behavior (connection supervisors) and
// per-message persist retries.
type RetryConfig struct {
	// OnConnectionError false makes a lost connection terminal: the service
	// exits after one failed reconnect instead of backing off forever.
	OnConnectionError  *bool         `yaml:"on_connection_error"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax  time.Duration `yaml:"reconnect_delay_max"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	PersistRetries     int           `yaml:"persist_retries"`
	PersistBackoff     time.Duration `yaml:"persist_backoff"`
	PersistBackoffMax  time.Duration `yaml:"persist_backoff_max"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
}

// RetryForever reports whether connection loss should be retried indefinitely.
func (c *Config) RetryForever() bool {
	return c.Retry.OnConnectionError == nil || *c.Retry.OnConnectionError
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Mongo.ConnectionString == "" {
		return Config{}, fmt.Errorf("mongo.connection_string is required (MONGO_CONNECTION_STRING)")
	}
	if cfg.Mongo.Database == "" {
		return Config{}, fmt.Errorf("mongo.database is required (MONGO_LOGGER_DATABASE)")
	}
	if cfg.Mongo.Collection == "" {
		return Config{}, fmt.Errorf("mongo.collection is required (MONGO_LOGGER_COLLECTION)")
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.AMQP.Host, "AMQP_BROKER_HOST")
	overrideInt(&c.AMQP.Port, "AMQP_BROKER_PORT")
	overrideString(&c.AMQP.VHost, "AMQP_BROKER_VHOST")
	overrideString(&c.AMQP.Username, "AMQP_BROKER_USERNAME")
	overrideString(&c.AMQP.Password, "AMQP_BROKER_PASSWORD")
	overrideInt(&c.AMQP.HeartbeatSeconds, "AMQP_BROKER_HEARTBEAT")
	overrideString(&c.AMQP.Exchange, "AMQP_EXCHANGE_NAME")
	overrideString(&c.AMQP.Queue, "AMQP_QUEUE_NAME")

	overrideString(&c.Mongo.ConnectionString, "MONGO_CONNECTION_STRING")
	overrideString(&c.Mongo.Database, "MONGO_LOGGER_DATABASE")
	overrideString(&c.Mongo.Collection, "MONGO_LOGGER_COLLECTION")
	overrideString(&c.Mongo.UserCollection, "MONGO_USER_COLLECTION")

	if v, ok := os.LookupEnv("RETRY_ON_CONNECTION_ERROR"); ok {
		b := parseBool(v, true)
		c.Retry.OnConnectionError = &b
	}
	overrideInt(&c.Retry.MaxConnectAttempts, "MAX_RETRIES")
	if v, ok := os.LookupEnv("RETRY_DELAY"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Retry.ReconnectDelay = time.Duration(secs) * time.Second
		}
	}

	if v, ok := os.LookupEnv("JASMIN_MONGO_LOGGER_PRIVACY"); ok {
		c.Privacy = parseBool(v, false)
	}
	overrideString(&c.Log.Level, "JASMIN_MONGO_LOGGER_LOG_LEVEL")
	overrideString(&c.Log.Path, "JASMIN_MONGO_LOGGER_LOG_PATH")

	overrideString(&c.Server.MetricsAddr, "JASMIN_MONGO_LOGGER_METRICS_ADDR")
	overrideString(&c.Server.GRPCAddr, "JASMIN_MONGO_LOGGER_GRPC_ADDR")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
