// Package config loads token locker configuration from an optional YAML file
// and the process environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/token_locker/internal/app/domain/asset"
	"github.com/R3E-Network/token_locker/pkg/logger"
)

// ConfigPathEnv names the environment variable holding the YAML file path.
const ConfigPathEnv = "LOCKER_CONFIG"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Locker    LockerConfig         `yaml:"locker"`
	Dispatch  DispatchConfig       `yaml:"dispatch"`
	Chain     ChainConfig          `yaml:"chain"`
	Redis     RedisConfig          `yaml:"redis"`
	Auth      AuthConfig           `yaml:"auth"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the persistent store. An empty DSN keeps state in
// memory.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// LockerConfig carries the ledger's own settings.
type LockerConfig struct {
	OwnerID            string        `yaml:"owner_id" env:"LOCKER_OWNER_ID"`
	BurnAccountID      string        `yaml:"burn_account_id" env:"LOCKER_BURN_ACCOUNT_ID"`
	ContractIDFormat   string        `yaml:"contract_id_format" env:"LOCKER_CONTRACT_ID_FORMAT"`
	SettlementInterval time.Duration `yaml:"settlement_interval" env:"LOCKER_SETTLEMENT_INTERVAL"`
	SettlementTimeout  time.Duration `yaml:"settlement_timeout" env:"LOCKER_SETTLEMENT_TIMEOUT"`
}

// DispatchConfig points at the transfer relay. Without a URL transfers are
// accepted locally and settled by the timeout resolver.
type DispatchConfig struct {
	URL     string        `yaml:"url" env:"DISPATCH_URL"`
	APIKey  string        `yaml:"api_key" env:"DISPATCH_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"DISPATCH_TIMEOUT"`
}

// ChainConfig points at a Neo N3 RPC node used to settle transfers.
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url" env:"NEO_RPC_URL"`
	NetworkMagic uint32        `yaml:"network_magic" env:"NEO_NETWORK_MAGIC"`
	Timeout      time.Duration `yaml:"timeout" env:"NEO_RPC_TIMEOUT"`
}

// RedisConfig enables event fan-out over redis pub/sub when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL"`
}

// AuthConfig configures bearer token verification. Without a key the API
// trusts the X-Account-ID header, which is only suitable for development.
type AuthConfig struct {
	JWTPublicKeyPEM string `yaml:"jwt_public_key" env:"JWT_PUBLIC_KEY"`
	JWTIssuer       string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// RateLimitConfig bounds requests per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// Load reads .env (if present), the YAML file named by LOCKER_CONFIG (if
// set) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromPath(os.Getenv(ConfigPathEnv))
}

// LoadFromPath is Load with an explicit YAML path. An empty path skips the
// file.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.DSN != "" && c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Locker.ContractIDFormat == "" {
		c.Locker.ContractIDFormat = "account"
	}
	if c.Locker.SettlementInterval == 0 {
		c.Locker.SettlementInterval = 5 * time.Second
	}
	if c.Locker.SettlementTimeout == 0 {
		c.Locker.SettlementTimeout = 10 * time.Minute
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 15 * time.Second
	}
	if c.Chain.Timeout == 0 {
		c.Chain.Timeout = 30 * time.Second
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "token-locker:events"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Locker.OwnerID) == "" {
		return errors.New("locker.owner_id (LOCKER_OWNER_ID) is required")
	}
	if _, err := asset.CodecFor(c.Locker.ContractIDFormat); err != nil {
		return fmt.Errorf("locker.contract_id_format: %w", err)
	}
	if c.Locker.BurnAccountID != "" && c.Locker.ContractIDFormat == "account" {
		if err := asset.ValidateAccountID(c.Locker.BurnAccountID); err != nil {
			return fmt.Errorf("locker.burn_account_id: %w", err)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.DSN != "" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	if c.Locker.SettlementInterval < 0 || c.Locker.SettlementTimeout < 0 {
		return errors.New("locker settlement durations must be positive")
	}
	return nil
}
