package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/notify"
)

// SweepResult counts what one sweep pass closed.
type SweepResult struct {
	Trades int
	Jobs   int
	Failed int
}

// Sweeper cancels trades and stand-alone cash orders whose expiry passed.
type Sweeper struct {
	trades      domain.TradeStore
	jobs        domain.VendorJobStore
	tradeSvc    *TradeService
	fulfillment *FulfillmentService
	alerter     Alerter
	interval    time.Duration
	batch       int
	logger      *slog.Logger
}

// NewSweeper creates a Sweeper. interval is how often Run sweeps.
func NewSweeper(
	trades domain.TradeStore,
	jobs domain.VendorJobStore,
	tradeSvc *TradeService,
	fulfillment *FulfillmentService,
	alerter Alerter,
	interval time.Duration,
	batch int,
	logger *slog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		trades:      trades,
		jobs:        jobs,
		tradeSvc:    tradeSvc,
		fulfillment: fulfillment,
		alerter:     alerter,
		interval:    interval,
		batch:       batch,
		logger:      logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps on every tick until ctx ends. Call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
				s.logger.ErrorContext(ctx, "sweeper: sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs a single pass against now. Individual failures are counted and
// logged; only listing errors are returned.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	trades, err := s.trades.ListExpired(ctx, now,
		[]domain.TradeStatus{domain.TradeStatusPending, domain.TradeStatusAccepted}, s.batch)
	if err != nil {
		return res, fmt.Errorf("sweeper: list expired trades: %w", err)
	}
	for _, t := range trades {
		if _, err := s.tradeSvc.ExpireTrade(ctx, t); err != nil {
			res.Failed++
			s.logger.WarnContext(ctx, "sweeper: expire trade failed",
				slog.String("trade_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Trades++
	}

	jobs, err := s.jobs.ListExpiredStandalone(ctx, now,
		[]domain.VendorJobStatus{domain.JobStatusPendingPayment}, s.batch)
	if err != nil {
		return res, fmt.Errorf("sweeper: list expired jobs: %w", err)
	}
	for _, j := range jobs {
		if _, err := s.fulfillment.ExpireJob(ctx, j); err != nil {
			res.Failed++
			s.logger.WarnContext(ctx, "sweeper: expire job failed",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Jobs++
	}

	if res.Trades+res.Jobs+res.Failed == 0 {
		return res, nil
	}
	s.logger.InfoContext(ctx, "sweeper: expired records closed",
		slog.Int("trades", res.Trades),
		slog.Int("jobs", res.Jobs),
		slog.Int("failed", res.Failed),
	)
	if s.alerter != nil {
		msg := fmt.Sprintf("expired %d trades and %d cash orders (%d failed)", res.Trades, res.Jobs, res.Failed)
		if err := s.alerter.Notify(ctx, notify.EventExpirySweep, "Expiry sweep", msg); err != nil {
			s.logger.WarnContext(ctx, "sweeper: alert failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}
