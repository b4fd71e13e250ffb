package streak

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/pkg/repository"
	"smallbiznis-economy/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger *ledger.Service
	gift   config.DailyGiftConfig
	loc    *time.Location
	now    func() time.Time

	records repository.Repository[Record]
	sweeps  singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		ledger: p.Ledger,
		gift:   p.Config.Economy.DailyGift,
		loc:    p.Config.Economy.Location(),
		now:    time.Now,

		records: repository.ProvideStore[Record](p.DB),
	}
}

// Location is the timezone calendar days are computed in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// GiftAmount is base + min(bonusPerDay*(length-1), bonusCap).
func (s *Service) GiftAmount(length int) int64 {
	if length < 1 {
		length = 1
	}
	bonus := s.gift.BonusPerDay * int64(length-1)
	if s.gift.BonusCap > 0 && bonus > s.gift.BonusCap {
		bonus = s.gift.BonusCap
	}
	return s.gift.Base + bonus
}

// Claim records today's activity. Same-day repeats fail with
// ErrAlreadyClaimedToday; a one day gap continues the streak, anything
// longer restarts it at 1. Daily gift claims credit the wallet in the same
// transaction.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if req.UserID == "" || req.StreakType == "" {
		return nil, errutil.BadRequest("user_id and streak_type are required", nil)
	}
	if req.Today.IsZero() {
		req.Today = s.now()
	}

	log := logger.FromContext(ctx).With(zap.String("user_id", req.UserID), zap.String("streak_type", string(req.StreakType)))

	today := DateKey(req.Today, s.loc)
	yesterday := PreviousDateKey(req.Today, s.loc)

	var (
		result *ClaimResult
		entry  *ledger.LedgerEntry
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureRecord(ctx, tx, req.UserID, req.StreakType); err != nil {
			return err
		}

		rec, err := s.records.WithTrx(tx).FindOne(ctx, &Record{UserID: req.UserID, StreakType: req.StreakType})
		if err != nil {
			return err
		}
		if rec == nil {
			return errutil.Internal("streak record missing after insert", nil)
		}

		previous := rec.LastActivityDate
		if previous != "" && previous >= today {
			return errutil.ErrAlreadyClaimedToday
		}

		length := 1
		reset := false
		if previous == yesterday {
			length = rec.CurrentLength + 1
		} else if previous != "" {
			reset = true
		}
		longest := max(rec.LongestLength, length)
		now := s.now()

		res := tx.WithContext(ctx).Model(&Record{}).
			Where("id = ? AND last_activity_date = ?", rec.ID, previous).
			Updates(map[string]any{
				"current_length":     length,
				"longest_length":     longest,
				"last_activity_date": today,
				"status":             StatusActive,
				"updated_at":         now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// a concurrent claim moved the date first
			return errutil.ErrAlreadyClaimedToday
		}

		rec.CurrentLength = length
		rec.LongestLength = longest
		rec.LastActivityDate = today
		rec.Status = StatusActive
		rec.UpdatedAt = now

		result = &ClaimResult{Record: rec, FirstClaim: previous == "", Reset: reset}

		if req.StreakType != TypeDailyGift {
			return nil
		}

		amount := s.GiftAmount(length)
		if amount <= 0 {
			return nil
		}

		earned, err := s.ledger.EarnTx(ctx, tx, ledger.EarnRequest{
			UserID:      req.UserID,
			Amount:      amount,
			Reason:      ledger.ReasonDailyGift,
			ReferenceID: fmt.Sprintf("streak:%s:%s", req.StreakType, today),
			Description: fmt.Sprintf("daily gift, day %d", length),
			Metadata:    map[string]any{"streak_length": length, "date": today},
		})
		if err != nil {
			return err
		}
		entry = earned.Entry
		result.Granted = amount
		return nil
	})
	if err != nil {
		if !errutil.IsDomain(err) {
			log.Error("failed to claim streak", zap.Error(err))
		}
		return nil, err
	}

	s.ledger.Observe(entry)
	log.Info("streak claimed", zap.Int("length", result.Record.CurrentLength), zap.Int64("granted", result.Granted))
	return result, nil
}

func (s *Service) ensureRecord(ctx context.Context, tx *gorm.DB, userID string, streakType StreakType) error {
	rec := &Record{
		ID:         s.node.Generate().String(),
		UserID:     userID,
		StreakType: streakType,
		Status:     StatusActive,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}, {Name: "streak_type"}}, DoNothing: true}).
		Create(rec).Error
}

// Get returns the user's record, or an unsaved empty one if they never claimed.
func (s *Service) Get(ctx context.Context, userID string, streakType StreakType) (*Record, error) {
	rec, err := s.records.FindOne(ctx, &Record{UserID: userID, StreakType: streakType})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Record{UserID: userID, StreakType: streakType, Status: StatusActive}, nil
	}
	return rec, nil
}

// List returns every streak record of the user.
func (s *Service) List(ctx context.Context, userID string) ([]*Record, error) {
	return s.records.Find(ctx, &Record{UserID: userID})
}

// EffectiveLength is the current length as of now; streaks whose last
// claim is older than yesterday count as broken even before the sweep runs.
func (s *Service) EffectiveLength(rec *Record, now time.Time) int {
	if rec == nil || rec.LastActivityDate == "" || rec.Status == StatusExpired {
		return 0
	}
	if rec.LastActivityDate < PreviousDateKey(now, s.loc) {
		return 0
	}
	return rec.CurrentLength
}

// Sweep expires active streaks whose last claim is older than yesterday.
// Concurrent calls in this process share one run.
func (s *Service) Sweep(ctx context.Context, today time.Time) (int64, error) {
	yesterday := PreviousDateKey(today, s.loc)

	v, err, _ := s.sweeps.Do("sweep:"+yesterday, func() (interface{}, error) {
		res := s.db.WithContext(ctx).Model(&Record{}).
			Where("status = ? AND last_activity_date <> '' AND last_activity_date < ?", StatusActive, yesterday).
			Updates(map[string]any{
				"current_length": 0,
				"status":         StatusExpired,
				"updated_at":     s.now(),
			})
		return res.RowsAffected, res.Error
	})
	if err != nil {
		logger.FromContext(ctx).Error("streak sweep failed", zap.Error(err))
		return 0, err
	}

	n := v.(int64)
	logger.FromContext(ctx).Info("streak sweep finished", zap.String("cutoff", yesterday), zap.Int64("expired", n))
	return n, nil
}
