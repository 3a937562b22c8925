/*
auditor.go - Periodic balance auditor

PURPOSE:
  Negative balances and orphaned appointments are valid states the ledger
  never blocks. The auditor sweeps every credit on an interval so operators
  see them: it recomputes each balance, counts pending orphans, publishes
  gauges and logs a warning per over-consumed credit.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Read-only: never attaches, detaches or deletes anything
  - One sweep at a time; RunNow shares the same lock

CONFIGURATION:
  - Interval: How often to sweep (audit.interval, default 5m)
  - Enabled:  Whether the auditor runs (audit.enabled, default true)

USAGE:
  auditor := NewBalanceAuditor(ledger, m, log)
  auditor.Start(ctx)
  // ... later
  auditor.Stop()

SEE ALSO:
  - credit/ledger.go: Balances, Orphans
  - metrics/metrics.go: ObserveAudit
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kiteflow/credit-engine/credit"
	"github.com/kiteflow/credit-engine/metrics"
)

// AuditObserver receives the result of each sweep.
type AuditObserver interface {
	ObserveAudit(r metrics.AuditResult, took time.Duration, err error)
}

// BalanceAuditor periodically recomputes every balance.
type BalanceAuditor struct {
	Ledger   *credit.Ledger
	Observer AuditObserver
	Log      *zap.Logger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	sweep  sync.Mutex
	last   metrics.AuditResult
}

// NewBalanceAuditor creates an enabled auditor with a 5 minute interval.
func NewBalanceAuditor(ledger *credit.Ledger, obs AuditObserver, log *zap.Logger) *BalanceAuditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &BalanceAuditor{
		Ledger:   ledger,
		Observer: obs,
		Log:      log.Named("auditor"),
		Interval: 5 * time.Minute,
		Enabled:  true,
	}
}

// Start begins the auditor. The goroutine exits on Stop or when ctx ends.
func (a *BalanceAuditor) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		a.Log.Info("auditor disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.Interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)

	go a.run(ctx, a.ticker, a.stop)

	a.Log.Info("auditor started", zap.Duration("interval", a.Interval))
}

// Stop stops the auditor and waits for an in-flight sweep.
func (a *BalanceAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.Log.Info("auditor stopped")
}

func (a *BalanceAuditor) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer a.wg.Done()

	// Run immediately on start
	a.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			a.RunNow(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one sweep and returns what it found.
func (a *BalanceAuditor) RunNow(ctx context.Context) (metrics.AuditResult, error) {
	a.sweep.Lock()
	defer a.sweep.Unlock()

	start := time.Now()
	res, err := a.audit(ctx)
	took := time.Since(start)

	if a.Observer != nil {
		a.Observer.ObserveAudit(res, took, err)
	}
	if err != nil {
		a.Log.Error("audit failed", zap.Error(err))
		return res, err
	}
	a.last = res

	fields := []zap.Field{
		zap.Int("credits", res.Credits),
		zap.Int("negative", res.Negative),
		zap.Int("orphans", res.Orphans),
		zap.Duration("took", took),
	}
	if res.Negative > 0 || res.Orphans > 0 {
		a.Log.Warn("audit found balances needing attention", fields...)
	} else {
		a.Log.Debug("audit clean", fields...)
	}
	return res, nil
}

// Last returns the result of the most recent successful sweep.
func (a *BalanceAuditor) Last() metrics.AuditResult {
	a.sweep.Lock()
	defer a.sweep.Unlock()
	return a.last
}

func (a *BalanceAuditor) audit(ctx context.Context) (metrics.AuditResult, error) {
	balances, err := a.Ledger.Balances(ctx, credit.CreditFilter{})
	if err != nil {
		return metrics.AuditResult{}, err
	}
	orphans, err := a.Ledger.Orphans(ctx, credit.OrphanFilter{})
	if err != nil {
		return metrics.AuditResult{}, err
	}

	res := metrics.AuditResult{Credits: len(balances), Orphans: len(orphans)}
	for _, b := range balances {
		if b.Negative() {
			res.Negative++
		}
	}
	return res, nil
}
