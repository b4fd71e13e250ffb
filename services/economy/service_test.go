package economy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-economy/pkg/access"
	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"
	"smallbiznis-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type notifierMock struct {
	mu        sync.Mutex
	unlocked  [][]reward.Unlocked
	claimed   []*reward.ClaimResult
	purchases []*shop.PurchaseResult
	failures  []errutil.Reason
}

func (m *notifierMock) RewardsUnlocked(_ context.Context, _ string, unlocked []reward.Unlocked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = append(m.unlocked, unlocked)
	return nil
}

func (m *notifierMock) RewardClaimed(_ context.Context, _ string, result *reward.ClaimResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed = append(m.claimed, result)
	return nil
}

func (m *notifierMock) PurchaseCompleted(_ context.Context, _ string, result *shop.PurchaseResult, unlocked []reward.Unlocked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases = append(m.purchases, result)
	if len(unlocked) > 0 {
		m.unlocked = append(m.unlocked, unlocked)
	}
	return nil
}

func (m *notifierMock) Failure(_ context.Context, _ string, reason errutil.Reason, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, reason)
	return nil
}

type deliveredMock struct{}

func (deliveredMock) Deliver(context.Context, string, string, []string) error { return nil }

type fixture struct {
	svc      *Service
	rewards  *reward.Service
	shop     *shop.Service
	ledger   *ledger.Service
	notifier *notifierMock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var models []any
	models = append(models, ledger.Models()...)
	models = append(models, streak.Models()...)
	models = append(models, reward.Models()...)
	models = append(models, shop.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	cfg.Economy.DailyGift = config.DailyGiftConfig{Base: 10, BonusPerDay: 5, BonusCap: 15}
	cfg.Economy.Reaction = config.ReactionConfig{Amount: 2}
	cfg.Economy.Reward = config.RewardConfig{MaxCurrencyGrant: 100}

	level, err := ledger.NewSqrtFormula(10)
	require.NoError(t, err)
	policy, err := access.NewPolicy(cfg)
	require.NoError(t, err)
	who := identity.Static{"vip": identity.RolePrivileged}

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Level: level})
	streaks := streak.NewService(streak.ServiceParams{DB: db, Node: node, Ledger: led, Config: cfg})
	shops := shop.NewService(shop.ServiceParams{DB: db, Node: node, Ledger: led, Policy: policy, Config: cfg, Deliverer: deliveredMock{}})
	rewards := reward.NewService(reward.ServiceParams{
		DB: db, Node: node, Ledger: led, Streaks: streaks, Identity: who, Config: cfg, Content: shops,
	})

	f := &fixture{rewards: rewards, shop: shops, ledger: led, notifier: &notifierMock{}}
	f.svc = NewService(Params{
		DB: db, Node: node, Ledger: led, Streaks: streaks, Rewards: rewards, Shop: shops,
		Identity: who, Config: cfg, Notifier: f.notifier,
	})
	return f
}

func TestDailyGiftUnlocksAndNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.rewards.CreateReward(ctx, reward.CreateRewardRequest{
		Name: "Welcome", Type: reward.TypeCurrency, Value: reward.Value{Amount: 5},
		Conditions: []reward.ConditionSpec{{Type: reward.CondFirstDailyClaim}},
	})
	require.NoError(t, err)
	leveled, err := f.rewards.CreateReward(ctx, reward.CreateRewardRequest{
		Name: "Level Two", Type: reward.TypeBadge,
		Conditions: []reward.ConditionSpec{{Type: reward.CondLevel, Threshold: 2}},
	})
	require.NoError(t, err)

	res, err := f.svc.ClaimDailyGift(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Granted)
	require.Equal(t, int64(10), res.Wallet.Balance)
	require.Equal(t, 2, res.Wallet.Level)
	require.True(t, res.LevelUp)
	require.Len(t, res.Unlocked, 2)
	require.ElementsMatch(t, []string{first.ID, leveled.ID}, []string{res.Unlocked[0].Reward.ID, res.Unlocked[1].Reward.ID})

	require.Len(t, f.notifier.unlocked, 1)
	require.Len(t, f.notifier.unlocked[0], 2)

	_, err = f.svc.ClaimDailyGift(ctx, "u1")
	require.ErrorIs(t, err, errutil.ErrAlreadyClaimedToday)
	require.Equal(t, []errutil.Reason{errutil.ReasonAlreadyClaimedToday}, f.notifier.failures)
	require.Len(t, f.notifier.unlocked, 1)

	acts, err := f.svc.Activities(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	statuses := []ActivityStatus{acts[0].Status, acts[1].Status}
	require.ElementsMatch(t, []ActivityStatus{ActivitySucceeded, ActivityRejected}, statuses)
}

func TestReactionPaysOncePerReaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rewards.CreateReward(ctx, reward.CreateRewardRequest{
		Name: "First Reaction", Type: reward.TypeBadge,
		Conditions: []reward.ConditionSpec{{Type: reward.CondFirstReaction}},
	})
	require.NoError(t, err)

	res, err := f.svc.RecordReaction(ctx, "u1", "msg-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Granted)
	require.Len(t, res.Unlocked, 1)

	_, err = f.svc.RecordReaction(ctx, "u1", "msg-1")
	require.ErrorIs(t, err, errutil.ErrDuplicateReference)
	require.Equal(t, []errutil.Reason{errutil.ReasonDuplicateReference}, f.notifier.failures)

	res, err = f.svc.RecordReaction(ctx, "u1", "msg-2")
	require.NoError(t, err)
	require.Empty(t, res.Unlocked)
	require.Equal(t, int64(4), res.Wallet.Balance)

	_, err = f.svc.RecordReaction(ctx, "u1", "")
	require.Error(t, err)
}

func TestPurchaseFailureIsNotifiedAndTyped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bundle, err := f.shop.CreateBundle(ctx, shop.CreateBundleRequest{Name: "Stickers", References: []string{"tg://sticker/1"}})
	require.NoError(t, err)
	listing, err := f.shop.CreateListing(ctx, shop.CreateListingRequest{Title: "Stickers", ContentBundleID: bundle.ID, BasePrice: 50, PrivilegedDiscountPercent: 50})
	require.NoError(t, err)
	_, err = f.rewards.CreateReward(ctx, reward.CreateRewardRequest{
		Name: "First Purchase", Type: reward.TypeBadge,
		Conditions: []reward.ConditionSpec{{Type: reward.CondFirstPurchase}},
	})
	require.NoError(t, err)

	_, err = f.svc.Purchase(ctx, "u1", listing.ID, false)
	require.ErrorIs(t, err, errutil.ErrInsufficientFunds)
	require.Equal(t, []errutil.Reason{errutil.ReasonInsufficientFunds}, f.notifier.failures)

	_, err = f.ledger.Earn(ctx, ledger.EarnRequest{UserID: "vip", Amount: 30, Reason: ledger.ReasonAdjustment})
	require.NoError(t, err)

	res, err := f.svc.Purchase(ctx, "vip", listing.ID, false)
	require.NoError(t, err)
	require.Equal(t, int64(25), res.Record.PricePaid)
	require.Equal(t, int64(5), res.Balance)
	require.True(t, res.Delivered)
	require.Len(t, res.Unlocked, 1)
	require.Len(t, f.notifier.purchases, 1)
}

func TestClaimRewardCreditsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def, err := f.rewards.CreateReward(ctx, reward.CreateRewardRequest{
		Name: "Jackpot", Type: reward.TypeCurrency, Value: reward.Value{Amount: 500},
		Conditions: []reward.ConditionSpec{{Type: reward.CondFirstDailyClaim}},
	})
	require.NoError(t, err)

	_, err = f.svc.ClaimReward(ctx, "u1", def.ID)
	require.ErrorIs(t, err, errutil.ErrRewardNotUnlocked)

	_, err = f.svc.ClaimDailyGift(ctx, "u1")
	require.NoError(t, err)

	res, err := f.svc.ClaimReward(ctx, "u1", def.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Granted)
	require.Equal(t, int64(110), res.Wallet.Balance)
	require.True(t, res.LevelUp)
	require.Len(t, f.notifier.claimed, 1)

	list, err := f.svc.Available(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, reward.StatusClaimed, list[0].Status)

	history, page, err := f.svc.History(ctx, "u1", paginationOf(10))
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, history, 2)
	require.Equal(t, ledger.ReasonReward, history[0].Reason)
}

func TestListingsUseCallerTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bundle, err := f.shop.CreateBundle(ctx, shop.CreateBundleRequest{Name: "Frames"})
	require.NoError(t, err)
	_, err = f.shop.CreateListing(ctx, shop.CreateListingRequest{Title: "Frames", ContentBundleID: bundle.ID, BasePrice: 40, PrivilegedDiscountPercent: 25, TierRequirement: "privileged"})
	require.NoError(t, err)

	views, _, err := f.svc.Listings(ctx, "u1", pageOf(1, 10))
	require.NoError(t, err)
	require.True(t, views[0].Restricted)
	require.Equal(t, int64(40), views[0].EffectivePrice)

	views, _, err = f.svc.Listings(ctx, "vip", pageOf(1, 10))
	require.NoError(t, err)
	require.False(t, views[0].Restricted)
	require.Equal(t, int64(30), views[0].EffectivePrice)
}

func TestNextDayContinuesStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	_, err := f.svc.ClaimDailyGift(ctx, "u1")
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	res, err := f.svc.ClaimDailyGift(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Streak.CurrentLength)
	require.Equal(t, int64(15), res.Granted)
}
