// Package config holds environment-driven configuration for the runtime's
// storage backends and loop tunables. Structs are tagged for
// kelseyhightower/envconfig; callers load them with a process prefix, e.g.
//
//	var cfg config.RedisConfig
//	if err := envconfig.Process("ONEVALET_REDIS", &cfg); err != nil { ... }
//
// YAML files, CLI flags and process bootstrap remain the responsibility of
// the embedding service.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RedisConfig configures the Redis pool backend.
type RedisConfig struct {
	Address    string        `split_words:"true" default:"localhost:6379"`
	Password   string        `split_words:"true" default:""`
	DB         int           `split_words:"true" default:"0"`
	KeyPrefix  string        `split_words:"true" default:"onevalet:pool:"`
	ActiveTTL  time.Duration `split_words:"true" default:"10m"`
	SessionTTL time.Duration `split_words:"true" default:"24h"`
}

// PostgresConfig configures the bun/Postgres backends.
type PostgresConfig struct {
	DSN          string        `split_words:"true" required:"true"`
	MaxOpenConns int           `split_words:"true" default:"20"`
	MaxIdleConns int           `split_words:"true" default:"10"`
	ConnLifetime time.Duration `split_words:"true" default:"10m"`
}

// SQLiteConfig configures the embedded checkpoint backend.
type SQLiteConfig struct {
	Path string `split_words:"true" default:"onevalet.db"`
}

// LoopConfig mirrors the ReAct loop tunables for environments that configure
// the engine from the process environment rather than code.
type LoopConfig struct {
	MaxTurns           int           `split_words:"true" default:"10"`
	LLMMaxRetries      int           `split_words:"true" default:"3"`
	ToolTimeout        time.Duration `split_words:"true" default:"30s"`
	AgentToolTimeout   time.Duration `split_words:"true" default:"120s"`
	ContextTokenLimit  int           `split_words:"true" default:"32000"`
	ContextTrimPercent float64       `split_words:"true" default:"0.85"`
}

// PoolConfig mirrors the agent pool tunables.
type PoolConfig struct {
	AutoBackupInterval time.Duration `split_words:"true" default:"60s"`
	CleanupInterval    time.Duration `split_words:"true" default:"5m"`
}

// Load processes prefixed environment variables into cfg.
func Load(prefix string, cfg any) error {
	return envconfig.Process(prefix, cfg)
}
