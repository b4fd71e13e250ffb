package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/featureflags"
	"smallbiznis-economy/pkg/lock"
	"smallbiznis-economy/pkg/logger"
	pkgtask "smallbiznis-economy/pkg/task"
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/streak"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrLeaseHeld is returned while another worker holds the sweep lease so
// asynq retries the task once the lease is released or expires.
var ErrLeaseHeld = errors.New("sweep lease held elsewhere")

type StreakSweeper interface {
	Sweep(ctx context.Context, today time.Time) (int64, error)
}

type RewardExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer pkgtask.Enqueuer
	locker   lock.Locker
	flags    featureflags.FeatureFlag
	streaks  StreakSweeper
	rewards  RewardExpirer
	cfg      config.SweepConfig
	loc      *time.Location
	now      func() time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Enqueuer pkgtask.Enqueuer
	Locker   lock.Locker
	Flags    featureflags.FeatureFlag
	Streaks  StreakSweeper
	Rewards  RewardExpirer
	Config   *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		enqueuer: p.Enqueuer,
		locker:   p.Locker,
		flags:    p.Flags,
		streaks:  p.Streaks,
		rewards:  p.Rewards,
		cfg:      p.Config.Economy.Sweep,
		loc:      p.Config.Economy.Location(),
		now:      time.Now,
	}
}

// EnqueueDailySweeps queues today's sweeps. Task ids are derived from the
// date, so replicas scheduling the same day collapse into one task.
func (s *Service) EnqueueDailySweeps(ctx context.Context, now time.Time) error {
	date := streak.DateKey(now, s.loc)
	for _, typ := range []string{taskname.StreakSweep, taskname.RewardExpire} {
		t, err := pkgtask.NewJSONTask(typ, sweepPayload{Date: date})
		if err != nil {
			return err
		}

		_, err = s.enqueuer.Enqueue(ctx, t,
			asynq.Queue(taskname.QueueLow),
			asynq.TaskID(typ+":"+date),
			asynq.MaxRetry(3),
			asynq.Retention(48*time.Hour),
		)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logger.FromContext(ctx).Info("sweep already scheduled", zap.String("task", typ), zap.String("date", date))
			continue
		}
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", typ, err)
		}
		logger.FromContext(ctx).Info("sweep scheduled", zap.String("task", typ), zap.String("date", date))
	}
	return nil
}

func (s *Service) HandleStreakSweep(ctx context.Context, t *asynq.Task) error {
	var p sweepPayload
	if err := pkgtask.DecodePayload(t, &p); err != nil {
		return err
	}
	today, err := time.ParseInLocation("2006-01-02", p.Date, s.loc)
	if err != nil {
		return fmt.Errorf("bad sweep date %q: %v: %w", p.Date, err, asynq.SkipRetry)
	}

	return s.run(ctx, KindStreakSweep, p.Date, featureflags.FeatureStreakSweep, func(ctx context.Context) (int64, error) {
		return s.streaks.Sweep(ctx, today)
	})
}

func (s *Service) HandleRewardExpire(ctx context.Context, t *asynq.Task) error {
	var p sweepPayload
	if err := pkgtask.DecodePayload(t, &p); err != nil {
		return err
	}

	return s.run(ctx, KindRewardExpire, p.Date, featureflags.FeatureRewardExpiry, func(ctx context.Context) (int64, error) {
		return s.rewards.ExpireStale(ctx, s.now())
	})
}

// run executes one sweep under a cross-replica lease and records the outcome.
func (s *Service) run(ctx context.Context, kind SweepKind, date, feature string, fn func(context.Context) (int64, error)) error {
	log := logger.FromContext(ctx).With(zap.String("kind", string(kind)), zap.String("date", date))

	if !s.flags.Enabled(ctx, feature, true) {
		log.Info("sweep disabled by feature flag")
		s.record(ctx, kind, date, RunSkipped, 0, "disabled by feature flag")
		return nil
	}

	release, ok, err := s.locker.Acquire(ctx, fmt.Sprintf("sweep:%s:%s", kind, date), s.cfg.LeaseTTL)
	if err != nil {
		log.Error("failed to acquire sweep lease", zap.Error(err))
		return err
	}
	if !ok {
		log.Warn("sweep lease held elsewhere, retrying later")
		s.record(ctx, kind, date, RunSkipped, 0, ErrLeaseHeld.Error())
		return fmt.Errorf("%s %s: %w", kind, date, ErrLeaseHeld)
	}
	defer release()

	started := s.now()
	run := &SweepRun{
		ID:        s.node.Generate().String(),
		Kind:      kind,
		RunDate:   date,
		Status:    RunRunning,
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		log.Warn("failed to record sweep start", zap.Error(err))
	}

	n, runErr := fn(ctx)

	completed := s.now()
	updates := map[string]any{
		"status":       RunSuccess,
		"affected":     n,
		"completed_at": completed,
	}
	if runErr != nil {
		updates["status"] = RunFailed
		updates["error_msg"] = runErr.Error()
	}
	meta, _ := json.Marshal(map[string]any{"duration_ms": completed.Sub(started).Milliseconds()})
	updates["metadata"] = meta
	if err := s.db.WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		log.Warn("failed to record sweep result", zap.Error(err))
	}

	if runErr != nil {
		log.Error("sweep failed", zap.Error(runErr))
		return runErr
	}
	log.Info("sweep finished", zap.Int64("affected", n), zap.Duration("duration", completed.Sub(started)))
	return nil
}

func (s *Service) record(ctx context.Context, kind SweepKind, date string, status RunStatus, affected int64, msg string) {
	now := s.now()
	run := &SweepRun{
		ID:          s.node.Generate().String(),
		Kind:        kind,
		RunDate:     date,
		Status:      status,
		Affected:    affected,
		ErrorMsg:    msg,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		logger.FromContext(ctx).Warn("failed to record sweep run", zap.Error(err))
	}
}

// Runs lists recorded sweeps of a kind, newest first.
func (s *Service) Runs(ctx context.Context, kind SweepKind, limit int) ([]*SweepRun, error) {
	var out []*SweepRun
	err := s.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
