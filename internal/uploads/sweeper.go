package uploads

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// Sweeper periodically expires idle upload sessions.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger.With("component", "upload_sweeper")}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := s.manager.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("upload sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.Info("expired idle uploads", "count", expired)
			}
		}
	}
}
