package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kiteflow/credit-engine/api"
	"github.com/kiteflow/credit-engine/config"
	"github.com/kiteflow/credit-engine/logger"
	"github.com/kiteflow/credit-engine/store/postgres"
	"github.com/kiteflow/credit-engine/store/sqlite"
)

var (
	v   = config.NewViper()
	cfg config.Config
	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "creditd",
	Short: "Service-credit ledger for lessons, rentals and courses",
	Long: `creditd turns paid order-items into consumable service credits,
attaches appointments booked before payment, and reports balances.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if cfg, err = config.Load(v); err != nil {
			return err
		}
		log, err = logger.New(logger.Config{
			Environment: cfg.Env,
			Level:       cfg.Log.Level,
			Format:      cfg.Log.Format,
		})
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = log.Sync()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("db-driver", "", "Storage backend: sqlite | postgres")
	f.String("db-path", "", "SQLite database path")
	f.String("db-dsn", "", "Postgres DSN")
	f.String("log-level", "", "Log level: debug | info | warn | error")
	f.String("log-format", "", "Log format: json | console")

	bindFlags(v, f, map[string]string{
		"db.driver":  "db-driver",
		"db.path":    "db-path",
		"db.dsn":     "db-dsn",
		"log.level":  "log-level",
		"log.format": "log-format",
	})
}

// bindFlags maps config keys to flags. Unset flags fall through to env,
// config file and defaults.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// =============================================================================
// BACKEND
// =============================================================================

// backend is an open store plus how to release it.
type backend struct {
	Store api.Store
	close func() error
}

func (b *backend) Close() error { return b.close() }

// openBackend connects to the configured store. Postgres migrations run
// on open; the SQLite schema is applied by sqlite.New.
func openBackend(cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.DB.Driver {
	case "postgres":
		db, err := postgres.Open(postgres.Config{
			DSN:          cfg.DB.DSN,
			MaxOpenConns: cfg.DB.MaxOpenConns,
			PoolMetrics:  true,
		}, log)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := postgres.RunMigrations(sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		return &backend{Store: postgres.New(db), close: sqlDB.Close}, nil

	case "sqlite":
		if !strings.Contains(cfg.DB.Path, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.DB.Path, sqlite.WithMaxOpenConns(cfg.DB.MaxOpenConns))
		if err != nil {
			return nil, err
		}
		return &backend{Store: s, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown db.driver %q", cfg.DB.Driver)
}
