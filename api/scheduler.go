/*
scheduler.go - Automated billing scheduler

PURPOSE:
  Periodically runs invoice reconciliation so next month's prepaid
  invoices exist before the month starts, without an operator having to
  hit /api/invoices/generate.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - From GenerateDay onward it reconciles NEXT month (the open invoice)
  - Always re-reconciles the current month, folding in late changes
  - GenerateOrUpdate is idempotent, so re-running every tick is safe

USAGE:
  scheduler := NewBillingScheduler(reconciler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GenerateInvoices endpoint (manual reconciliation)
  - billing/reconciler.go: the idempotent upsert this relies on
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flexclub/schedule-engine/billing"
	"github.com/flexclub/schedule-engine/schedule"
)

// BillingScheduler handles automated invoice reconciliation.
type BillingScheduler struct {
	Reconciler    *billing.Reconciler
	Log           *slog.Logger
	CheckInterval time.Duration
	GenerateDay   int // day of month from which next month is reconciled
	Enabled       bool
	Clock         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBillingScheduler creates a scheduler with default settings.
func NewBillingScheduler(rec *billing.Reconciler, log *slog.Logger) *BillingScheduler {
	return &BillingScheduler{
		Reconciler:    rec,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		GenerateDay:   25,
		Enabled:       true,
		Clock:         time.Now,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.Log.Info("billing scheduler disabled, not starting")
		return
	}

	bs.ticker = time.NewTicker(bs.CheckInterval)
	bs.wg.Add(1)
	go bs.run(bs.ticker)

	bs.Log.Info("billing scheduler started", "interval", bs.CheckInterval, "generate_day", bs.GenerateDay)
}

// Stop stops the scheduler and waits for the worker to exit. Further
// calls are no-ops.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker != nil {
		bs.ticker.Stop()
		bs.ticker = nil
		close(bs.stop)
		bs.wg.Wait()
		bs.Log.Info("billing scheduler stopped")
	}
}

// run receives the ticker as an argument because Stop nils out
// bs.ticker; reading the field here would race with that write.
func (bs *BillingScheduler) run(ticker *time.Ticker) {
	defer bs.wg.Done()

	// Run immediately on start
	bs.reconcile()

	for {
		select {
		case <-ticker.C:
			bs.reconcile()
		case <-bs.stop:
			return
		}
	}
}

func (bs *BillingScheduler) reconcile() {
	ctx := context.Background()
	now := bs.Clock()
	current := schedule.YearMonthOf(now)

	periods := []schedule.YearMonth{current}
	if now.Day() >= bs.GenerateDay {
		periods = append(periods, current.Next())
	}

	for _, ym := range periods {
		invoices, err := bs.Reconciler.GenerateOrUpdate(ctx, ym)
		if err != nil {
			bs.Log.Error("scheduled reconciliation failed", "period", ym.String(), "error", err)
			continue
		}
		bs.Log.Info("scheduled reconciliation complete", "period", ym.String(), "invoices", len(invoices))
	}
}
