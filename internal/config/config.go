package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends understood by CacheConfig.Backend.
const (
	CacheBackendDatabase = "database"
	CacheBackendMemory   = "memory"
)

// Config captures the runtime configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	AI       AIConfig
	Cache    CacheConfig
	Engine   EngineConfig
	Costing  CostingConfig
}

// ServerConfig configures the HTTP server runtime behavior.
type ServerConfig struct {
	Addr string
}

// DatabaseConfig contains the database connection settings.
type DatabaseConfig struct {
	URL             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	UseMock         bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AIConfig configures the AI detection fallback. An empty APIKey disables it.
type AIConfig struct {
	Enabled bool
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// CacheConfig selects where derived attributes are cached.
type CacheConfig struct {
	Backend string
	TTL     time.Duration
}

// EngineConfig bounds the concurrency of batch resolution and invalidation fan-out.
type EngineConfig struct {
	BatchConcurrency        int
	InvalidationConcurrency int
}

// CostingConfig holds the pricing targets used by the cost calculator.
type CostingConfig struct {
	TargetFoodCostPercent float64
	DiscrepancyTolerance  float64
}

// Load inspects the environment (and the optional file named by MISE_CONFIG)
// and builds a Config value.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path := strings.TrimSpace(os.Getenv("MISE_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxIdleConns:    positiveInt(v.GetInt("database.max_idle_conns"), 0),
			MaxOpenConns:    positiveInt(v.GetInt("database.max_open_conns"), 0),
			ConnMaxLifetime: positiveDuration(v.GetDuration("database.conn_max_lifetime"), 0),
			ConnMaxIdleTime: positiveDuration(v.GetDuration("database.conn_max_idle_time"), 0),
			UseMock:         v.GetBool("database.use_mock"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: strings.ToLower(strings.TrimSpace(v.GetString("logging.format"))),
		},
		AI: AIConfig{
			Enabled: v.GetBool("ai.enabled"),
			APIKey:  v.GetString("ai.api_key"),
			Model:   v.GetString("ai.model"),
			BaseURL: v.GetString("ai.base_url"),
			Timeout: positiveDuration(v.GetDuration("ai.timeout"), defaultAITimeout),
		},
		Cache: CacheConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString("cache.backend"))),
			TTL:     positiveDuration(v.GetDuration("cache.ttl"), defaultCacheTTL),
		},
		Engine: EngineConfig{
			BatchConcurrency:        positiveInt(v.GetInt("engine.batch_concurrency"), defaultBatchConcurrency),
			InvalidationConcurrency: positiveInt(v.GetInt("engine.invalidation_concurrency"), defaultInvalidationConcurrency),
		},
		Costing: CostingConfig{
			TargetFoodCostPercent: v.GetFloat64("costing.target_food_cost_percent"),
			DiscrepancyTolerance:  v.GetFloat64("costing.discrepancy_tolerance"),
		},
	}

	if strings.TrimSpace(cfg.AI.APIKey) == "" {
		cfg.AI.Enabled = false
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const (
	defaultAITimeout               = 8 * time.Second
	defaultCacheTTL                = 24 * time.Hour
	defaultBatchConcurrency        = 8
	defaultInvalidationConcurrency = 4
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("ai.enabled", true)
	v.SetDefault("ai.model", "gpt-4.1-mini")
	v.SetDefault("ai.timeout", defaultAITimeout)
	v.SetDefault("cache.backend", CacheBackendDatabase)
	v.SetDefault("cache.ttl", defaultCacheTTL)
	v.SetDefault("engine.batch_concurrency", defaultBatchConcurrency)
	v.SetDefault("engine.invalidation_concurrency", defaultInvalidationConcurrency)
	v.SetDefault("costing.target_food_cost_percent", 30.0)
	v.SetDefault("costing.discrepancy_tolerance", 0.01)
}

func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.addr":                      {"SERVER_ADDR", "ADDR"},
		"database.url":                     {"DATABASE_URL", "DB_URL"},
		"database.max_idle_conns":          {"DATABASE_MAX_IDLE_CONNS"},
		"database.max_open_conns":          {"DATABASE_MAX_OPEN_CONNS"},
		"database.conn_max_lifetime":       {"DATABASE_CONN_MAX_LIFETIME"},
		"database.conn_max_idle_time":      {"DATABASE_CONN_MAX_IDLE_TIME"},
		"database.use_mock":                {"DATABASE_USE_MOCK"},
		"logging.level":                    {"LOG_LEVEL"},
		"logging.format":                   {"LOG_FORMAT"},
		"ai.enabled":                       {"AI_ENABLED"},
		"ai.api_key":                       {"AI_API_KEY", "OPENAI_API_KEY"},
		"ai.model":                         {"AI_MODEL"},
		"ai.base_url":                      {"AI_BASE_URL"},
		"ai.timeout":                       {"AI_TIMEOUT"},
		"cache.backend":                    {"CACHE_BACKEND"},
		"cache.ttl":                        {"CACHE_TTL"},
		"engine.batch_concurrency":         {"BATCH_CONCURRENCY"},
		"engine.invalidation_concurrency":  {"INVALIDATION_CONCURRENCY"},
		"costing.target_food_cost_percent": {"COSTING_TARGET_FOOD_COST_PERCENT"},
		"costing.discrepancy_tolerance":    {"COSTING_DISCREPANCY_TOLERANCE"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server address must not be empty")
	}
	switch c.Cache.Backend {
	case CacheBackendDatabase, CacheBackendMemory:
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}
	if c.Costing.TargetFoodCostPercent <= 0 || c.Costing.TargetFoodCostPercent > 100 {
		return fmt.Errorf("target food cost percent must be within (0, 100], got %v", c.Costing.TargetFoodCostPercent)
	}
	if c.Costing.DiscrepancyTolerance < 0 {
		return fmt.Errorf("discrepancy tolerance must not be negative")
	}
	return nil
}

func positiveInt(value, def int) int {
	if value <= 0 {
		return def
	}
	return value
}

func positiveDuration(value, def time.Duration) time.Duration {
	if value <= 0 {
		return def
	}
	return value
}
