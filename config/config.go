// Package config loads service configuration from an optional YAML file
// pointed at by CONFIG_PATH, with environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Database Database `yaml:"database"`
	Auth     Auth     `yaml:"auth"`
	Ledger   Ledger   `yaml:"ledger"`
	Log      Log      `yaml:"log"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type Database struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL" env-default:"24h"`
}

// Ledger holds the platform accounts and policy knobs that drive the
// financing flows. AdminAccount is the only identity allowed to verify
// businesses, adjudicate disputes and manage backups.
type Ledger struct {
	AdminAccount    string `yaml:"admin_account" env:"LEDGER_ADMIN_ACCOUNT"`
	EscrowAccount   string `yaml:"escrow_account" env:"LEDGER_ESCROW_ACCOUNT" env-default:"escrow-vault"`
	PlatformAccount string `yaml:"platform_account" env:"LEDGER_PLATFORM_ACCOUNT" env-default:"platform-fees"`
	FeeBps          int64  `yaml:"fee_bps" env:"LEDGER_FEE_BPS" env-default:"200"`
	GracePeriodDays int    `yaml:"grace_period_days" env:"LEDGER_GRACE_PERIOD_DAYS" env-default:"14"`
	BackupKeep      int    `yaml:"backup_keep" env:"LEDGER_BACKUP_KEEP" env-default:"5"`
}

// GracePeriod is the window after an invoice due date during which a
// refund for default is still refused.
func (l Ledger) GracePeriod() time.Duration {
	return time.Duration(l.GracePeriodDays) * 24 * time.Hour
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads CONFIG_PATH if set, otherwise environment variables only.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth jwt secret is required")
	}
	if c.Ledger.AdminAccount == "" {
		return errors.New("config: ledger admin account is required")
	}
	if c.Ledger.EscrowAccount == "" || c.Ledger.PlatformAccount == "" {
		return errors.New("config: ledger escrow and platform accounts are required")
	}
	if c.Ledger.FeeBps < 0 || c.Ledger.FeeBps > 10000 {
		return fmt.Errorf("config: fee_bps %d out of range [0, 10000]", c.Ledger.FeeBps)
	}
	if c.Ledger.GracePeriodDays < 0 {
		return fmt.Errorf("config: grace_period_days %d must not be negative", c.Ledger.GracePeriodDays)
	}
	if c.Ledger.BackupKeep < 1 {
		return fmt.Errorf("config: backup_keep %d must be at least 1", c.Ledger.BackupKeep)
	}
	return nil
}
