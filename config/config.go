/*
Package config loads runtime configuration for the credit engine.

SOURCES (highest precedence first):
  1. Command-line flags bound by cmd/server
  2. Environment variables, prefix CREDIT_ENGINE_ ("db.dsn" -> CREDIT_ENGINE_DB_DSN)
  3. .env in the working directory (loaded into the environment first)
  4. creditd.yaml in ./, /etc/credit-engine
  5. Defaults below

KEYS:
  env                    development | production
  http.port              HTTP listen port
  db.driver              sqlite | postgres
  db.path                SQLite file (":memory:" for throwaway runs)
  db.dsn                 Postgres DSN
  db.max_open_conns      Pool cap (0 = driver default)
  log.level, log.format  zap level; json | console
  issuance.strict        Fail order-item inserts whose service is unresolved
  reconcile.mode         attach_all | within_balance
  audit.enabled          Run the periodic balance auditor
  audit.interval         Auditor period (Go duration)
  cors.allowed_origins   Comma-separated list

HOT RELOAD:
  Watch applies edits to creditd.yaml while the server runs. Only log.level
  takes effect live; the other keys are read at startup.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kiteflow/credit-engine/credit"
)

const EnvPrefix = "CREDIT_ENGINE"

type Config struct {
	Env       string          `mapstructure:"env"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Issuance  IssuanceConfig  `mapstructure:"issuance"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Audit     AuditConfig     `mapstructure:"audit"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type DBConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type IssuanceConfig struct {
	Strict bool `mapstructure:"strict"`
}

type ReconcileConfig struct {
	Mode string `mapstructure:"mode"`
}

type AuditConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NewViper returns a viper instance with defaults, env binding and the
// config file search path set. Callers may bind flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "./data/credits.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("issuance.strict", false)
	v.SetDefault("reconcile.mode", string(credit.ReconcileAttachAll))
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.interval", "5m")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetConfigName("creditd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/credit-engine")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env, the optional config file and the environment into a
// validated Config.
func Load(v *viper.Viper) (Config, error) {
	_ = godotenv.Load()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORS.AllowedOrigins = splitOrigins(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return errors.New("db.path is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if _, err := credit.ParseReconcileMode(c.Reconcile.Mode); err != nil {
		return err
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if c.Audit.Enabled && c.Audit.Interval <= 0 {
		return errors.New("audit.interval must be positive when the auditor is enabled")
	}
	return nil
}

// Policy converts the issuance and reconcile settings for the ledger.
func (c Config) Policy() credit.Policy {
	mode, _ := credit.ParseReconcileMode(c.Reconcile.Mode)
	return credit.Policy{Strict: c.Issuance.Strict, ReconcileMode: mode}
}

// splitOrigins accepts both a list and a single comma-separated entry
// (the form environment variables arrive in).
func splitOrigins(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
