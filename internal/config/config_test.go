package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
amqp:
  host: rabbit.internal
  port: 5671
  vhost: /jasmin
  username: jasmin
  password: secret
mongo:
  connection_string: mongodb://mongo1,mongo2,mongo3/?replicaSet=rs0
  database: jasminlogs
  collection: messages
  user_collection: users
retry:
  persist_retries: 7
  reconnect_delay: 2s
privacy: true
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AMQP.Host != "rabbit.internal" || cfg.AMQP.Port != 5671 {
		t.Fatalf("unexpected amqp endpoint %s:%d", cfg.AMQP.Host, cfg.AMQP.Port)
	}
	if cfg.Mongo.Database != "jasminlogs" || cfg.Mongo.UserCollection != "users" {
		t.Fatalf("unexpected mongo config %+v", cfg.Mongo)
	}
	if cfg.Retry.PersistRetries != 7 {
		t.Fatalf("unexpected persist retries %d", cfg.Retry.PersistRetries)
	}
	if cfg.Retry.ReconnectDelay != 2*time.Second {
		t.Fatalf("unexpected reconnect delay %v", cfg.Retry.ReconnectDelay)
	}
	if !cfg.Privacy {
		t.Fatalf("expected privacy enabled")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
amqp:
  host: from-file
mongo:
  connection_string: mongodb://from-file/
  database: from-file
  collection: from-file
`)
	t.Setenv("AMQP_BROKER_HOST", "from-env")
	t.Setenv("AMQP_BROKER_PORT", "5673")
	t.Setenv("MONGO_LOGGER_DATABASE", "envdb")
	t.Setenv("JASMIN_MONGO_LOGGER_PRIVACY", "yes")
	t.Setenv("RETRY_ON_CONNECTION_ERROR", "false")
	t.Setenv("RETRY_DELAY", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AMQP.Host != "from-env" || cfg.AMQP.Port != 5673 {
		t.Fatalf("expected env to win, got %s:%d", cfg.AMQP.Host, cfg.AMQP.Port)
	}
	if cfg.Mongo.Database != "envdb" {
		t.Fatalf("expected env database, got %q", cfg.Mongo.Database)
	}
	if !cfg.Privacy {
		t.Fatalf("expected privacy from env")
	}
	if cfg.RetryForever() {
		t.Fatalf("expected RETRY_ON_CONNECTION_ERROR=false to disable reconnects")
	}
	if cfg.Retry.ReconnectDelay != 5*time.Second {
		t.Fatalf("unexpected reconnect delay %v", cfg.Retry.ReconnectDelay)
	}
}

func TestEnvOnly(t *testing.T) {
	t.Setenv("MONGO_CONNECTION_STRING", "mongodb://localhost/?replicaSet=rs0")
	t.Setenv("MONGO_LOGGER_DATABASE", "jasmin")
	t.Setenv("MONGO_LOGGER_COLLECTION", "messages")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Mongo.Collection != "messages" {
		t.Fatalf("unexpected collection %q", cfg.Mongo.Collection)
	}
	if !cfg.RetryForever() {
		t.Fatalf("reconnects must default to retry-forever")
	}
}

func TestMissingMongoSettings(t *testing.T) {
	t.Setenv("MONGO_CONNECTION_STRING", "")
	t.Setenv("MONGO_LOGGER_DATABASE", "")
	t.Setenv("MONGO_LOGGER_COLLECTION", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error without mongo settings")
	}
}
