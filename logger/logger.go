/*
Package logger builds the process-wide zap logger and the request-scoped
helpers used by the HTTP layer and the gorm store.

FORMAT:
  JSON by default, "console" for local runs. Timestamps are ISO8601 under
  the "ts" key. Every entry carries service and env fields.

CONTEXT:
  WithContext enriches a logger with the chi request id, so handlers and
  the gorm store log with the same correlation field.

LEVEL:
  All loggers built by New share one atomic level. SetLevel changes it at
  runtime (config hot reload).

SEE ALSO:
  - gorm.go: gorm logger backed by zap
  - middleware.go: Per-request access log
*/
package logger

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// level is shared by every logger New builds so SetLevel can change
// verbosity without a restart.
var level = zap.NewAtomicLevel()

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Level       string
	Format      string
}

// New builds a structured zap.Logger and installs it as the zap global.
func New(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = normalizeFormat(cfg.Format)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	if zapCfg.Encoding == "console" {
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if err := SetLevel(cfg.Level); err != nil {
		return nil, err
	}
	zapCfg.Level = level

	log, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "credit-engine"
	}
	log = log.With(
		zap.String("service", serviceName),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
	)
	zap.ReplaceGlobals(log)
	return log, nil
}

// SetLevel changes the level of every logger built by New. Empty means info.
func SetLevel(lvl string) error {
	lvl = strings.TrimSpace(lvl)
	if lvl == "" {
		lvl = "info"
	}
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	level.SetLevel(parsed)
	return nil
}

func normalizeFormat(format string) string {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return "console"
	}
	return "json"
}

// WithContext enriches base with the request id carried by ctx, if any.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}
	if id := middleware.GetReqID(ctx); id != "" {
		return base.With(zap.String("request_id", id))
	}
	return base
}
