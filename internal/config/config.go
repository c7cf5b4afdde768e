// Package config loads service configuration from a YAML file and
// environment variables. Environment variables use the LEDGER_ prefix
// with underscores for nesting (LEDGER_SERVER_PORT, LEDGER_ORACLE_BASE_URL).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the read-through cache configuration. An empty URL
// disables the cache layer.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// OracleConfig holds price oracle configuration. An empty BaseURL
// selects the static development oracle.
type OracleConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"` // retry budget per lookup
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// LedgerConfig holds engine and validation tuning.
type LedgerConfig struct {
	Currency         string        `mapstructure:"currency"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	ApplyRetries     uint64        `mapstructure:"apply_retries"`
	MaxOrderQuantity string        `mapstructure:"max_order_quantity"` // decimal string, "0" = no cap
	Assets           []string      `mapstructure:"assets"`             // allowlist, empty = allow all
}

// Config holds configuration for the ledger service
type Config struct {
	Debug    bool           `mapstructure:"debug"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

// Load loads configuration for the ledger service
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)

	// Set defaults
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.idle_timeout", 60)
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("oracle.max_elapsed", "5s")
	v.SetDefault("oracle.cache_ttl", "30s")
	v.SetDefault("ledger.currency", "USD")
	v.SetDefault("ledger.lock_timeout", "5s")
	v.SetDefault("ledger.apply_retries", 3)
	v.SetDefault("ledger.max_order_quantity", "100000")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// This is required for viper to map env vars to config struct fields
// when no config file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Database
		"database.url",
		// Redis
		"redis.url",
		"redis.cache_ttl",
		// Oracle
		"oracle.base_url",
		"oracle.max_elapsed",
		"oracle.cache_ttl",
		// Ledger
		"ledger.currency",
		"ledger.lock_timeout",
		"ledger.apply_retries",
		"ledger.max_order_quantity",
		"ledger.assets",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from .env files, later files
// overriding earlier ones.
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "."
	}
	for _, envFile := range []string{".env", ".env.local"} {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate)
	}
}

// Addr returns the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
