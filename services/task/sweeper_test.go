package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/featureflags"
	pkgtask "smallbiznis-economy/pkg/task"
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueuerMock struct {
	mu   sync.Mutex
	seen map[string]bool
	ids  []string
}

func (m *enqueuerMock) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	id := ""
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	if m.seen[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	m.seen[id] = true
	m.ids = append(m.ids, id)
	return &asynq.TaskInfo{ID: id, Type: t.Type()}, nil
}

type lockerMock struct {
	held     bool
	err      error
	released int
}

func (m *lockerMock) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	if m.held {
		return nil, false, nil
	}
	return func() { m.released++ }, true, nil
}

type sweeperMock struct {
	today time.Time
	n     int64
	err   error
	calls int
}

func (m *sweeperMock) Sweep(_ context.Context, today time.Time) (int64, error) {
	m.calls++
	m.today = today
	return m.n, m.err
}

func (m *sweeperMock) ExpireStale(_ context.Context, _ time.Time) (int64, error) {
	m.calls++
	return m.n, m.err
}

type fixture struct {
	svc      *Service
	enqueuer *enqueuerMock
	locker   *lockerMock
	streaks  *sweeperMock
	rewards  *sweeperMock
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	cfg := &config.Config{}
	cfg.Economy.Sweep = config.SweepConfig{Hour: 0, Minute: 5, LeaseTTL: time.Minute}

	f := &fixture{enqueuer: &enqueuerMock{}, locker: &lockerMock{}, streaks: &sweeperMock{n: 3}, rewards: &sweeperMock{n: 2}}
	f.svc = NewService(Params{
		DB:       db,
		Node:     testutil.NewNode(t),
		Enqueuer: f.enqueuer,
		Locker:   f.locker,
		Flags:    flags,
		Streaks:  f.streaks,
		Rewards:  f.rewards,
		Config:   cfg,
	})
	return f
}

func sweepTask(t *testing.T, typ, date string) *asynq.Task {
	t.Helper()
	task, err := pkgtask.NewJSONTask(typ, sweepPayload{Date: date})
	require.NoError(t, err)
	return task
}

func TestEnqueueDailySweepsIsIdempotentPerDay(t *testing.T) {
	f := newFixture(t, featureflags.Static{})
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)

	require.NoError(t, f.svc.EnqueueDailySweeps(ctx, now))
	require.NoError(t, f.svc.EnqueueDailySweeps(ctx, now.Add(time.Hour)))

	require.Equal(t, []string{
		taskname.StreakSweep + ":2026-04-10",
		taskname.RewardExpire + ":2026-04-10",
	}, f.enqueuer.ids)
}

func TestStreakSweepRunsUnderLeaseAndRecords(t *testing.T) {
	f := newFixture(t, featureflags.Static{})
	ctx := context.Background()

	require.NoError(t, f.svc.HandleStreakSweep(ctx, sweepTask(t, taskname.StreakSweep, "2026-04-10")))
	require.Equal(t, 1, f.streaks.calls)
	require.Equal(t, "2026-04-10", f.streaks.today.Format("2006-01-02"))
	require.Equal(t, time.UTC, f.streaks.today.Location())
	require.Equal(t, 1, f.locker.released)

	runs, err := f.svc.Runs(ctx, KindStreakSweep, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSuccess, runs[0].Status)
	require.Equal(t, int64(3), runs[0].Affected)
	require.NotNil(t, runs[0].CompletedAt)
}

func TestSweepRetriesWhenLeaseHeld(t *testing.T) {
	f := newFixture(t, featureflags.Static{})
	f.locker.held = true

	err := f.svc.HandleRewardExpire(context.Background(), sweepTask(t, taskname.RewardExpire, "2026-04-10"))
	require.ErrorIs(t, err, ErrLeaseHeld)
	require.False(t, errors.Is(err, asynq.SkipRetry))
	require.Zero(t, f.rewards.calls)

	runs, err := f.svc.Runs(context.Background(), KindRewardExpire, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSkipped, runs[0].Status)
	require.Equal(t, ErrLeaseHeld.Error(), runs[0].ErrorMsg)

	f.locker.held = false
	require.NoError(t, f.svc.HandleRewardExpire(context.Background(), sweepTask(t, taskname.RewardExpire, "2026-04-10")))
	require.Equal(t, 1, f.rewards.calls)
}

func TestSweepDisabledByFlag(t *testing.T) {
	f := newFixture(t, featureflags.Static{featureflags.FeatureRewardExpiry: false})

	require.NoError(t, f.svc.HandleRewardExpire(context.Background(), sweepTask(t, taskname.RewardExpire, "2026-04-10")))
	require.Zero(t, f.rewards.calls)

	runs, err := f.svc.Runs(context.Background(), KindRewardExpire, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunSkipped, runs[0].Status)
}

func TestSweepFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t, featureflags.Static{})
	f.rewards.err = errors.New("db down")

	err := f.svc.HandleRewardExpire(context.Background(), sweepTask(t, taskname.RewardExpire, "2026-04-10"))
	require.ErrorIs(t, err, f.rewards.err)

	runs, err := f.svc.Runs(context.Background(), KindRewardExpire, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunFailed, runs[0].Status)
	require.Equal(t, "db down", runs[0].ErrorMsg)
}

func TestLeaseErrorIsReturned(t *testing.T) {
	f := newFixture(t, featureflags.Static{})
	f.locker.err = errors.New("redis unavailable")

	err := f.svc.HandleStreakSweep(context.Background(), sweepTask(t, taskname.StreakSweep, "2026-04-10"))
	require.ErrorIs(t, err, f.locker.err)
	require.Zero(t, f.streaks.calls)
}

func TestMalformedPayloadIsNotRetried(t *testing.T) {
	f := newFixture(t, featureflags.Static{})

	err := f.svc.HandleStreakSweep(context.Background(), asynq.NewTask(taskname.StreakSweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = f.svc.HandleStreakSweep(context.Background(), sweepTask(t, taskname.StreakSweep, "10/04/2026"))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
