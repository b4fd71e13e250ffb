package task

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service *Service
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{service: svc}
}

// StartScheduler runs the daily loop for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.done = make(chan struct{})
			go func() {
				defer close(s.done)
				s.run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel == nil {
				return nil
			}
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	cfg := s.service.cfg
	zap.L().Info("[Scheduler] started sweep scheduler",
		zap.Int("hour", cfg.Hour), zap.Int("minute", cfg.Minute), zap.String("timezone", s.service.loc.String()))

	for {
		now := s.service.now()
		next := nextRunTime(now, s.service.loc, cfg.Hour, cfg.Minute)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
			s.runDaily(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()
	zap.L().Info("[Scheduler] enqueueing daily sweeps")

	if err := s.service.EnqueueDailySweeps(ctx, s.service.now()); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue sweeps", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] finished enqueueing sweeps", zap.Duration("duration", time.Since(start)))
}

// nextRunTime returns the next hour:minute wall clock time in loc.
func nextRunTime(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
