package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically expires stale orders and executes resting orders
// against the market.
type Sweeper struct {
	interval time.Duration
	exchange *Exchange
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(interval time.Duration, exchange *Exchange) *Sweeper {
	return &Sweeper{
		interval: interval,
		exchange: exchange,
		logger:   exchange.logger.With("component", "sweeper"),
	}
}

// Start launches a background goroutine that ticks at the configured
// interval and sweeps. It stops when ctx is cancelled; Wait blocks until
// it has.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the sweep goroutine has exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) tick(ctx context.Context) {
	start := time.Now()
	err := s.exchange.ExecuteRestingOrders(ctx)
	s.exchange.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "error", err)
	}
}
