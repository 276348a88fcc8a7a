package inventory

import (
	"context"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"go.uber.org/zap"
)

// Sweeper periodically hands stale reservations back to stock. It is the
// recovery path for compensations that never ran, e.g. after a crash.
type Sweeper struct {
	Reaper   Reaper
	TTL      time.Duration
	Interval time.Duration
	Logger   *zap.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logx.Info(ctx, s.Logger, "reservation sweeper started",
		zap.Duration("ttl", s.TTL), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logx.Info(context.WithoutCancel(ctx), s.Logger, "reservation sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.Reaper.ReleaseStale(ctx, s.TTL)
	if n > 0 {
		metrics.ReservationsSwept.Add(float64(n))
		logx.Warn(ctx, s.Logger, "released stale reservations", zap.Int("count", n))
	}
	if err != nil {
		logx.Error(ctx, s.Logger, "reservation sweep failed", zap.Error(err))
	}
	return n
}
