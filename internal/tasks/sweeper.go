package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type timeoutSweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

type tokenPurger interface {
	PurgeRevokedTokens(ctx context.Context) (int64, error)
}

// Sweeper periodically fails requests stuck in processing. It covers
// workers that crashed or were cancelled mid-task.
type Sweeper struct {
	requests timeoutSweeper
	tokens   tokenPurger
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(requests timeoutSweeper, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{requests: requests, interval: interval, log: log}
}

// PurgeTokens makes every sweep also drop expired token revocations.
func (s *Sweeper) PurgeTokens(tokens tokenPurger) *Sweeper {
	s.tokens = tokens
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.requests.SweepTimeouts(ctx)
	if err != nil {
		s.log.Error("timeout sweep failed", zap.Error(err))
	}
	if n > 0 {
		s.log.Warn("timed out requests failed", zap.Int("count", n))
	}

	if s.tokens != nil {
		if purged, err := s.tokens.PurgeRevokedTokens(ctx); err != nil {
			s.log.Warn("token purge failed", zap.Error(err))
		} else if purged > 0 {
			s.log.Debug("expired revocations purged", zap.Int64("count", purged))
		}
	}
	return n
}
