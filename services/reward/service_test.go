package reward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/streak"
	"smallbiznis-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

type fakeExtender struct {
	err   error
	calls []time.Duration
}

func (f *fakeExtender) Extend(_ context.Context, _ string, d time.Duration) error {
	f.calls = append(f.calls, d)
	return f.err
}

type fakeGranter struct {
	granted   []string
	delivered []string
}

func (f *fakeGranter) GrantTx(_ context.Context, _ *gorm.DB, userID, bundleID, _ string) (string, error) {
	f.granted = append(f.granted, userID+":"+bundleID)
	return "purchase-1", nil
}

func (f *fakeGranter) DeliverPurchase(_ context.Context, purchaseID string) {
	f.delivered = append(f.delivered, purchaseID)
}

type fixture struct {
	svc      *Service
	ledger   *ledger.Service
	streaks  *streak.Service
	enqueuer *fakeEnqueuer
	extender *fakeExtender
	granter  *fakeGranter
	clock    time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T, rewardCfg config.RewardConfig) *fixture {
	t.Helper()

	models := append(ledger.Models(), streak.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	cfg.Economy.DailyGift = config.DailyGiftConfig{Base: 10}
	cfg.Economy.Reward = rewardCfg

	level, err := ledger.NewSqrtFormula(100)
	require.NoError(t, err)
	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Level: level})
	streaks := streak.NewService(streak.ServiceParams{DB: db, Node: node, Ledger: led, Config: cfg})

	f := &fixture{
		ledger:   led,
		streaks:  streaks,
		enqueuer: &fakeEnqueuer{},
		extender: &fakeExtender{},
		granter:  &fakeGranter{},
		clock:    time.Now().UTC(),
	}
	f.svc = NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Ledger:   led,
		Streaks:  streaks,
		Identity: identity.Static{"vip": identity.RolePrivileged},
		Config:   cfg,
		Content:  f.granter,
		Extender: f.extender,
		Enqueuer: f.enqueuer,
	})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) earn(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Earn(context.Background(), ledger.EarnRequest{UserID: userID, Amount: amount, Reason: ledger.ReasonAdjustment})
	require.NoError(t, err)
}

func (f *fixture) unlockOne(t *testing.T, userID string, event EventType) *Unlocked {
	t.Helper()
	got, err := f.svc.CheckOnEvent(context.Background(), userID, event)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return &got[0]
}

func TestCheckOnEventUnlocksOnce(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxCurrencyGrant: 100})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{
		Name:       "Big Earner",
		Type:       TypeCurrency,
		Value:      Value{Amount: 20},
		Conditions: []ConditionSpec{{Type: CondTotalEarned, Threshold: 50}},
	})
	require.NoError(t, err)
	require.Equal(t, "big-earner", def.Code)

	f.earn(t, "u1", 40)
	got, err := f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Empty(t, got)

	f.earn(t, "u1", 10)
	u := f.unlockOne(t, "u1", EventEarn)
	require.Equal(t, def.ID, u.Reward.ID)
	require.Equal(t, StatusUnlocked, u.State.Status)

	got, err = f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Empty(t, got)

	// an unrelated event never looks at the reward
	got, err = f.svc.CheckOnEvent(ctx, "u1", EventPurchase)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCheckOnEventRespectsExclusions(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateReward(ctx, CreateRewardRequest{
		Name: "Supporter Nudge",
		Type: TypeBadge,
		Conditions: []ConditionSpec{
			{Type: CondFirstReaction},
			{Type: CondNotPrivileged},
		},
	})
	require.NoError(t, err)

	for _, user := range []string{"u1", "vip"} {
		first, err := f.svc.RecordFact(ctx, user, CondFirstReaction)
		require.NoError(t, err)
		require.True(t, first)
	}

	f.unlockOne(t, "u1", EventReaction)

	got, err := f.svc.CheckOnEvent(ctx, "vip", EventReaction)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRecordFactOnlyFirstWins(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	first, err := f.svc.RecordFact(ctx, "u1", CondFirstPurchase)
	require.NoError(t, err)
	require.True(t, first)

	first, err = f.svc.RecordFact(ctx, "u1", CondFirstPurchase)
	require.NoError(t, err)
	require.False(t, first)

	_, err = f.svc.RecordFact(ctx, "u1", CondLevel)
	require.Error(t, err)
}

func TestClaimCurrencyIsCapped(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxCurrencyGrant: 100})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Jackpot", Type: TypeCurrency, Value: Value{Amount: 500}})
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrRewardNotUnlocked)

	f.unlockOne(t, "u1", EventEarn)

	res, err := f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Granted)
	require.Equal(t, StatusClaimed, res.State.Status)

	w, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Balance)

	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrAlreadyClaimed)
}

func TestConcurrentClaimsGrantOnce(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxCurrencyGrant: 100})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Once", Type: TypeCurrency, Value: Value{Amount: 30}})
	require.NoError(t, err)
	f.unlockOne(t, "u1", EventDailyClaim)

	var (
		g       errgroup.Group
		results = make(chan error, 8)
	)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := f.svc.Claim(ctx, "u1", def.ID)
			results <- err
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, errutil.ErrAlreadyClaimed)
	}
	require.Equal(t, 1, ok)

	w, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(30), w.Balance)
}

func TestClaimAfterWindowExpires(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Flash", Type: TypeBadge, ClaimWindow: time.Hour})
	require.NoError(t, err)
	u := f.unlockOne(t, "u1", EventReaction)
	require.NotNil(t, u.State.ExpiresAt)

	f.advance(2 * time.Hour)
	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrRewardExpired)

	list, err := f.svc.ListAvailable(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, StatusExpired, list[0].Status)

	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrRewardExpired)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Short", Type: TypeBadge, ClaimWindow: time.Hour})
	require.NoError(t, err)
	_, err = f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Forever", Type: TypeBadge})
	require.NoError(t, err)

	got, err := f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Len(t, got, 2)

	n, err := f.svc.ExpireStale(ctx, f.clock.Add(30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.svc.ExpireStale(ctx, f.clock.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSecretRewardHiddenUntilUnlocked(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Visible", Type: TypeBadge,
		Conditions: []ConditionSpec{{Type: CondStreakLength, Threshold: 30}}})
	require.NoError(t, err)
	_, err = f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Hidden", Type: TypeBadge, IsSecret: true,
		Conditions: []ConditionSpec{{Type: CondFirstPurchase}}})
	require.NoError(t, err)

	list, err := f.svc.ListAvailable(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Visible", list[0].Reward.Name)
	require.Equal(t, StatusLocked, list[0].Status)

	_, err = f.svc.RecordFact(ctx, "u1", CondFirstPurchase)
	require.NoError(t, err)
	f.unlockOne(t, "u1", EventPurchase)

	list, err = f.svc.ListAvailable(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestRepeatableRewardWaitsForCooldown(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxCurrencyGrant: 100})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{
		Name: "Hourly", Type: TypeCurrency, Value: Value{Amount: 5},
		IsRepeatable: true, Cooldown: time.Hour,
	})
	require.NoError(t, err)

	f.unlockOne(t, "u1", EventEarn)
	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)

	// claimed repeatable rewards are not yet unlocked again
	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrRewardNotUnlocked)

	f.advance(30 * time.Minute)
	got, err := f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Empty(t, got)

	f.advance(time.Hour)
	f.unlockOne(t, "u1", EventEarn)
	res, err := f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.State.ClaimCount)

	w, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(10), w.Balance)
}

func TestRepeatableRewardReunlocksAfterLapsedWindowWithoutSweep(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{
		Name: "Flash bonus", Type: TypeBadge, IsRepeatable: true, ClaimWindow: time.Hour,
		Conditions: []ConditionSpec{{Type: CondTotalEarned, Threshold: 10}},
	})
	require.NoError(t, err)
	f.earn(t, "u1", 10)

	first := f.unlockOne(t, "u1", EventEarn)
	firstExpiry := *first.State.ExpiresAt

	f.advance(2 * time.Hour)
	list, err := f.svc.ListAvailable(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, StatusExpired, list[0].Status)

	again := f.unlockOne(t, "u1", EventEarn)
	require.Equal(t, def.ID, again.Reward.ID)
	require.Equal(t, StatusUnlocked, again.State.Status)
	require.True(t, again.State.ExpiresAt.After(firstExpiry))

	list, err = f.svc.ListAvailable(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusUnlocked, list[0].Status)

	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
}

func TestLapsedWindowKeepsCooldown(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateReward(ctx, CreateRewardRequest{
		Name: "Slow flash", Type: TypeBadge, IsRepeatable: true, ClaimWindow: time.Hour, Cooldown: 3 * time.Hour,
	})
	require.NoError(t, err)
	f.unlockOne(t, "u1", EventEarn)

	// expired one hour ago, cooldown runs until three hours after expiry
	f.advance(2 * time.Hour)
	got, err := f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Empty(t, got)

	f.advance(3 * time.Hour)
	f.unlockOne(t, "u1", EventEarn)
}

func TestDailyCurrencyCap(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxCurrencyGrant: 100, DailyCurrencyCap: 150})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{
		Name: "Generous", Type: TypeCurrency, Value: Value{Amount: 100}, IsRepeatable: true,
	})
	require.NoError(t, err)

	f.unlockOne(t, "u1", EventEarn)
	res, err := f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Granted)

	f.unlockOne(t, "u1", EventEarn)
	res, err = f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), res.Granted)

	f.unlockOne(t, "u1", EventEarn)
	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrRewardCapExceeded)

	// the failed claim rolled back, the reward stays claimable
	list, err := f.svc.ListAvailable(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusUnlocked, list[0].Status)
}

func TestConcurrentClaimsShareDailyCap(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxCurrencyGrant: 100, DailyCurrencyCap: 150})
	ctx := context.Background()

	a, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Bonus A", Type: TypeCurrency, Value: Value{Amount: 100}})
	require.NoError(t, err)
	b, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Bonus B", Type: TypeCurrency, Value: Value{Amount: 100}})
	require.NoError(t, err)

	got, err := f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Len(t, got, 2)

	var g errgroup.Group
	for _, id := range []string{a.ID, b.ID} {
		g.Go(func() error {
			_, err := f.svc.Claim(ctx, "u1", id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	w, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(150), w.Balance)
}

func TestSubscriptionRewardQueuesRetryOnFailure(t *testing.T) {
	f := newFixture(t, config.RewardConfig{MaxSubscriptionDays: 30})
	f.extender.err = errors.New("subscription service down")
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Premium Month", Type: TypeSubscription, Value: Value{Days: 90}})
	require.NoError(t, err)
	f.unlockOne(t, "u1", EventLevelUp)

	res, err := f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, 30, res.SubscriptionDays)
	require.True(t, res.ExtensionPending)
	require.Equal(t, []time.Duration{30 * 24 * time.Hour}, f.extender.calls)

	require.Len(t, f.enqueuer.tasks, 1)
	retry := f.enqueuer.tasks[0]
	require.Equal(t, taskname.RewardExtendRetry, retry.Type())

	f.extender.err = nil
	require.NoError(t, f.svc.HandleExtendRetryTask(ctx, retry))
	require.Len(t, f.extender.calls, 2)
}

func TestContentRewardGrantsAndDelivers(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Wallpaper Pack", Type: TypeContent, ContentBundleID: "b1"})
	require.NoError(t, err)
	f.unlockOne(t, "u1", EventDailyClaim)

	res, err := f.svc.Claim(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, "purchase-1", res.PurchaseID)
	require.Equal(t, []string{"u1:b1"}, f.granter.granted)
	require.Equal(t, []string{"purchase-1"}, f.granter.delivered)
}

func TestCreateRewardValidation(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "x", Type: "mystery"})
	require.Error(t, err)

	_, err = f.svc.CreateReward(ctx, CreateRewardRequest{Name: "x", Type: TypeContent})
	require.Error(t, err)

	_, err = f.svc.CreateReward(ctx, CreateRewardRequest{Name: "x", Type: TypeBadge,
		Conditions: []ConditionSpec{{Type: "unknown"}}})
	require.Error(t, err)

	_, err = f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Dup", Type: TypeBadge})
	require.NoError(t, err)
	_, err = f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Dup", Type: TypeBadge})
	require.Error(t, err)
}

func TestDisabledRewardIsNotEvaluated(t *testing.T) {
	f := newFixture(t, config.RewardConfig{})
	ctx := context.Background()

	def, err := f.svc.CreateReward(ctx, CreateRewardRequest{Name: "Retired", Type: TypeBadge})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetActive(ctx, def.ID, false))

	got, err := f.svc.CheckOnEvent(ctx, "u1", EventEarn)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = f.svc.Claim(ctx, "u1", def.ID)
	require.Error(t, err)
	require.Equal(t, errutil.ReasonNotFound, errutil.ReasonOf(err))
}
