package service

import (
	"context"
	"log/slog"
	"time"
)

// ReleaseRetrier periodically re-drives escrow releases that failed.
type ReleaseRetrier struct {
	escrow   *EscrowService
	interval time.Duration
	logger   *slog.Logger
}

// NewReleaseRetrier creates a ReleaseRetrier.
func NewReleaseRetrier(escrow *EscrowService, interval time.Duration, logger *slog.Logger) *ReleaseRetrier {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &ReleaseRetrier{
		escrow:   escrow,
		interval: interval,
		logger:   logger.With(slog.String("component", "release_retrier")),
	}
}

// Run retries on every tick until ctx ends.
func (r *ReleaseRetrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.escrow.RetryFailedReleases(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "release_retrier: retry failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.logger.InfoContext(ctx, "release_retrier: releases recovered", slog.Int("released", n))
			}
		}
	}
}
