// Package scheduler drives the scheduled-publish sweep from a cron spec.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Sweeper interface {
	RunScheduledPublishSweep(ctx context.Context, now time.Time) (pages.SweepResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// New validates spec. A run that is still going when the next tick fires
// makes that tick a no-op; a failed run is simply retried on the next tick.
func New(spec string, sweeper Sweeper, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		sweeper: sweeper,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		timeout: 2 * time.Minute,
		now:     time.Now,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("scheduled publish sweep started")
}

// Stop prevents new runs and waits for a running sweep or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("sweep still running at shutdown")
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) (pages.SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := s.now()
	res, err := s.sweeper.RunScheduledPublishSweep(ctx, start)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled publish sweep failed")
		return res, err
	}
	if res.PublishedCount > 0 {
		s.logger.Info().Int("published", res.PublishedCount).Strs("page_ids", res.PageIDs).Dur("took", time.Since(start)).Msg("scheduled pages published")
	}
	return res, nil
}
