package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReaperInterval = time.Minute
	defaultStaleThreshold = 10 * time.Minute
)

// Reaper periodically force-ends sessions whose connection died without a
// clean close. It is the only recovery path for crashed clients and network
// partitions, so it tolerates reaping late but must never reap a session
// that is still sending frames.
type Reaper struct {
	sessions  *Service
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
}

// ReaperConfig tunes the sweep cadence and staleness threshold.
type ReaperConfig struct {
	Sessions  *Service
	Interval  time.Duration
	Threshold time.Duration
	Logger    *zap.Logger
}

var errMissingSessions = errors.New("session service is required")

// NewReaper validates the configuration and returns a Reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		sessions:  cfg.Sessions,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep ends every stale session once. A failure to end one session is
// logged and the sweep moves on; the session is retried next interval.
func (r *Reaper) Sweep(ctx context.Context) {
	stale, err := r.sessions.Stale(ctx, r.threshold)
	if err != nil {
		r.logger.Error("reaper sweep query failed", zap.Error(err))
		return
	}
	for _, record := range stale {
		if err := r.sessions.End(ctx, record.ID); err != nil {
			r.logger.Error("reaper failed to end session",
				zap.String("session_id", record.ID),
				zap.String("file_id", record.FileID),
				zap.Error(err))
			continue
		}
		r.logger.Info("stale session reaped",
			zap.String("session_id", record.ID),
			zap.String("file_id", record.FileID),
			zap.String("user_id", record.UserID))
	}
}
