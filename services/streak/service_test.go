package streak

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()

	models := append(ledger.Models(), Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	cfg.Economy.DailyGift = config.DailyGiftConfig{Base: 10, BonusPerDay: 5, BonusCap: 15}

	level, err := ledger.NewSqrtFormula(100)
	require.NoError(t, err)
	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Level: level})

	return NewService(ServiceParams{DB: db, Node: node, Ledger: led, Config: cfg}), led, db
}

func day(d int) time.Time {
	return time.Date(2026, time.March, d, 9, 0, 0, 0, time.UTC)
}

func TestFirstClaimStartsStreakAndPaysBase(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(1)})
	require.NoError(t, err)
	require.True(t, res.FirstClaim)
	require.Equal(t, 1, res.Record.CurrentLength)
	require.Equal(t, int64(10), res.Granted)

	w, err := led.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(10), w.Balance)
}

func TestSameDayClaimIsRejected(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(1)})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(1).Add(3 * time.Hour)})
	require.ErrorIs(t, err, errutil.ErrAlreadyClaimedToday)

	w, err := led.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(10), w.Balance)
}

func TestConsecutiveDayIncrementsAndGapResets(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(1)})
	require.NoError(t, err)

	res, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(2)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Record.CurrentLength)
	require.Equal(t, int64(15), res.Granted)
	require.False(t, res.FirstClaim)

	res, err = svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(5)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Record.CurrentLength)
	require.Equal(t, 2, res.Record.LongestLength)
	require.True(t, res.Reset)
	require.Equal(t, int64(10), res.Granted)
}

func TestGiftBonusIsCapped(t *testing.T) {
	svc, _, _ := newTestService(t)

	require.Equal(t, int64(10), svc.GiftAmount(1))
	require.Equal(t, int64(20), svc.GiftAmount(3))
	require.Equal(t, int64(25), svc.GiftAmount(4))
	require.Equal(t, int64(25), svc.GiftAmount(30))
}

func TestActivityStreakDoesNotPay(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeActivity, Today: day(1)})
	require.NoError(t, err)
	require.Zero(t, res.Granted)

	w, err := led.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, w.Balance)
}

func TestConcurrentSameDayClaimsSucceedOnce(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	var (
		g       errgroup.Group
		results = make(chan error, 10)
	)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: day(1)})
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
		require.ErrorIs(t, err, errutil.ErrAlreadyClaimedToday)
	}
	require.Equal(t, 1, ok)

	w, err := led.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(10), w.Balance)
}

func TestTimezoneDecidesCalendarDay(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.loc = time.FixedZone("UTC+7", 7*3600)
	ctx := context.Background()

	// 20:00 UTC on the 1st is already the 2nd at UTC+7
	_, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	res, err := svc.Claim(ctx, ClaimRequest{UserID: "u1", StreakType: TypeDailyGift, Today: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Record.CurrentLength)
	require.Equal(t, "2026-03-02", res.Record.LastActivityDate)
}

func TestSweepExpiresStaleStreaks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, ClaimRequest{UserID: "stale", StreakType: TypeDailyGift, Today: day(1)})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, ClaimRequest{UserID: "fresh", StreakType: TypeDailyGift, Today: day(4)})
	require.NoError(t, err)

	n, err := svc.Sweep(ctx, day(5))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stale, err := svc.Get(ctx, "stale", TypeDailyGift)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stale.Status)
	require.Zero(t, stale.CurrentLength)
	require.Equal(t, 1, stale.LongestLength)

	fresh, err := svc.Get(ctx, "fresh", TypeDailyGift)
	require.NoError(t, err)
	require.Equal(t, StatusActive, fresh.Status)
	require.Equal(t, 1, svc.EffectiveLength(fresh, day(5)))

	// a claim after expiry restarts at 1
	res, err := svc.Claim(ctx, ClaimRequest{UserID: "stale", StreakType: TypeDailyGift, Today: day(5)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Record.CurrentLength)
	require.Equal(t, StatusActive, res.Record.Status)
}

func TestEffectiveLength(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec := &Record{CurrentLength: 4, LastActivityDate: "2026-03-03", Status: StatusActive}
	require.Equal(t, 4, svc.EffectiveLength(rec, day(3)))
	require.Equal(t, 4, svc.EffectiveLength(rec, day(4)))
	require.Equal(t, 0, svc.EffectiveLength(rec, day(5)))
	require.Equal(t, 0, svc.EffectiveLength(nil, day(5)))
}

func TestGetUnknownReturnsEmptyRecord(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec, err := svc.Get(context.Background(), "nobody", TypeDailyGift)
	require.NoError(t, err)
	require.Zero(t, rec.CurrentLength)
	require.Empty(t, rec.LastActivityDate)
}

func TestPreviousDateKeyAcrossMonth(t *testing.T) {
	require.Equal(t, "2026-02-28", PreviousDateKey(day(1), time.UTC))
	require.Equal(t, "2026-03-01", DateKey(day(1), time.UTC))
}
