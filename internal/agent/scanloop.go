package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// maxJitter caps the random offset added to each interval.
const maxJitter = 60 * time.Second

// ScanLoopConfig holds scheduled-sync settings.
type ScanLoopConfig struct {
	Interval time.Duration
}

// ScanLoop runs a cycle immediately and then every Interval, give or take
// up to a tenth of it (capped at a minute) so several hubs on one network
// don't scan in lockstep.
type ScanLoop struct {
	cfg ScanLoopConfig
	run func(context.Context) error
	log *slog.Logger
}

// NewScanLoop creates a loop around run.
func NewScanLoop(cfg ScanLoopConfig, run func(context.Context) error, logger *slog.Logger) *ScanLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanLoop{cfg: cfg, run: run, log: logger.With("component", "scanloop")}
}

// Run blocks until ctx is cancelled. A failed cycle is logged and the loop
// carries on. With a zero Interval only the initial cycle runs.
func (s *ScanLoop) Run(ctx context.Context) {
	s.once(ctx)
	if s.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}

	for {
		wait := jitter(s.cfg.Interval)
		s.log.Debug("next scan scheduled", "in", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scan loop stopped")
			return
		case <-timer.C:
		}
		s.once(ctx)
	}
}

func (s *ScanLoop) once(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := s.run(ctx); err != nil {
		s.log.Warn("scheduled scan failed", "error", err, "duration", time.Since(start).Round(time.Millisecond))
		return
	}
	s.log.Debug("scheduled scan done", "duration", time.Since(start).Round(time.Millisecond))
}

// jitter returns base shifted by a random amount in ±min(base/10, 60s).
func jitter(base time.Duration) time.Duration {
	spread := min(base/10, maxJitter)
	if spread <= 0 {
		return base
	}
	d := base + time.Duration((rand.Float64()*2-1)*float64(spread))
	return max(d, 0)
}
