package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kiteflow/credit-engine/api"
	"github.com/kiteflow/credit-engine/config"
	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/logger"
	"github.com/kiteflow/credit-engine/metrics"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.Int("port", 0, "HTTP server port")
	f.Bool("strict", false, "Reject order-items whose service cannot be resolved")
	f.String("reconcile-mode", "", "attach_all | within_balance")
	f.Bool("audit", false, "Run the periodic balance auditor")
	f.Duration("audit-interval", 0, "Balance auditor period")

	bindFlags(v, f, map[string]string{
		"http.port":       "port",
		"issuance.strict": "strict",
		"reconcile.mode":  "reconcile-mode",
		"audit.enabled":   "audit",
		"audit.interval":  "audit-interval",
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the balance auditor",
	Long: `Serve the credit API. On SIGINT/SIGTERM the server stops accepting
connections, waits up to 30s for active requests, stops the auditor and
closes the database.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer b.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	ledger := credit.NewLedger(b.Store, log)
	ledger.Policy = cfg.Policy()
	ledger.Metrics = m

	handler := api.NewHandler(b.Store, ledger, log)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Log:            log,
		Metrics:        promhttp.Handler(),
	})

	config.Watch(v, log, func(c config.Config) {
		if err := logger.SetLevel(c.Log.Level); err != nil {
			log.Warn("log level not changed", zap.Error(err))
		}
	})

	auditor := api.NewBalanceAuditor(ledger, m, log)
	auditor.Enabled = cfg.Audit.Enabled
	auditor.Interval = cfg.Audit.Interval
	auditor.Start(ctx)
	defer auditor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("db_driver", cfg.DB.Driver),
			zap.Bool("strict_issuance", ledger.Policy.Strict),
			zap.String("reconcile_mode", string(ledger.Policy.ReconcileMode)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
