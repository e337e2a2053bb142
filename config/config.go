/*
Package config resolves runtime configuration from environment variables
with flag overrides.

PRECEDENCE:
  flag > environment variable > default

VARIABLES:
  BACKEND       Storage backend: "sqlite" or "postgres" (default sqlite)
  DB_PATH       SQLite database path (default cardledger.db, ":memory:" ok)
  DB_SOURCE     Postgres DSN, required when BACKEND=postgres
  SERVER_PORT   HTTP port (default 8080)
  REDIS_ADDR    Optional Redis address for the shared idempotency guard;
                empty means the in-process guard

SEE ALSO:
  - cmd/server/main.go: Consumes this and wires dependencies
*/
package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend   string
	DBPath    string
	DBSource  string
	Port      int
	RedisAddr string
}

// Load reads the environment and validates the combination.
func Load() (*Config, error) {
	cfg := &Config{
		Backend:   envOr("BACKEND", BackendSQLite),
		DBPath:    envOr("DB_PATH", "cardledger.db"),
		DBSource:  os.Getenv("DB_SOURCE"),
		RedisAddr: os.Getenv("REDIS_ADDR"),
	}

	port := envOr("SERVER_PORT", "8080")
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT %q: %w", port, err)
	}
	cfg.Port = p

	return cfg, cfg.Validate()
}

// Validate checks the backend selection is complete.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want sqlite or postgres)", c.Backend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
