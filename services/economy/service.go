package economy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/db/pagination"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("smallbiznis-economy/services/economy")

// Notifier tells the user what happened. Implementations should not block.
type Notifier interface {
	RewardsUnlocked(ctx context.Context, userID string, unlocked []reward.Unlocked) error
	RewardClaimed(ctx context.Context, userID string, result *reward.ClaimResult) error
	PurchaseCompleted(ctx context.Context, userID string, result *shop.PurchaseResult, unlocked []reward.Unlocked) error
	Failure(ctx context.Context, userID string, reason errutil.Reason, message string) error
}

// Service is the single entry point collaborators call. Every mutation
// re-evaluates rewards and sends one notification.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	streaks  *streak.Service
	rewards  *reward.Service
	shop     *shop.Service
	identity identity.Resolver
	notifier Notifier
	reaction config.ReactionConfig
	now      func() time.Time
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Streaks  *streak.Service
	Rewards  *reward.Service
	Shop     *shop.Service
	Identity identity.Resolver
	Config   *config.Config
	Notifier Notifier `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		streaks:  p.Streaks,
		rewards:  p.Rewards,
		shop:     p.Shop,
		identity: p.Identity,
		notifier: p.Notifier,
		reaction: p.Config.Economy.Reaction,
		now:      time.Now,
	}
}

// ClaimDailyGift records today's claim, pays the gift and unlocks whatever
// the new streak or balance qualifies for.
func (s *Service) ClaimDailyGift(ctx context.Context, userID string) (*DailyGiftResult, error) {
	ctx, span := tracer.Start(ctx, "economy.ClaimDailyGift")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	before, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, userID, ActionDailyGift, "", err)
	}

	claim, err := s.streaks.Claim(ctx, streak.ClaimRequest{UserID: userID, StreakType: streak.TypeDailyGift, Today: s.now()})
	if err != nil {
		return nil, s.fail(ctx, userID, ActionDailyGift, "", err)
	}
	s.recordFact(ctx, userID, reward.CondFirstDailyClaim)

	unlocked := s.check(ctx, userID, reward.EventDailyClaim)
	after, levelUp, more := s.afterEarning(ctx, userID, before)
	unlocked = append(unlocked, more...)

	s.notifyUnlocked(ctx, userID, unlocked)
	s.audit(ctx, userID, ActionDailyGift, claim.Record.LastActivityDate, nil, map[string]any{
		"granted": claim.Granted, "length": claim.Record.CurrentLength, "unlocked": len(unlocked),
	})

	return &DailyGiftResult{
		Streak:   claim.Record,
		Granted:  claim.Granted,
		Reset:    claim.Reset,
		Wallet:   after,
		LevelUp:  levelUp,
		Unlocked: unlocked,
	}, nil
}

// RecordReaction pays for a reaction once per reaction id and keeps the
// activity streak alive.
func (s *Service) RecordReaction(ctx context.Context, userID, reactionID string) (*ReactionResult, error) {
	ctx, span := tracer.Start(ctx, "economy.RecordReaction")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if reactionID == "" {
		return nil, s.fail(ctx, userID, ActionReaction, "", errutil.BadRequest("reaction_id is required", nil))
	}

	before, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, userID, ActionReaction, reactionID, err)
	}

	var granted int64
	if s.reaction.Amount > 0 {
		res, err := s.ledger.Earn(ctx, ledger.EarnRequest{
			UserID:      userID,
			Amount:      s.reaction.Amount,
			Reason:      ledger.ReasonReaction,
			ReferenceID: "reaction:" + reactionID,
			Description: "reaction",
		})
		if err != nil {
			return nil, s.fail(ctx, userID, ActionReaction, reactionID, err)
		}
		granted = res.Entry.Amount
	}

	if _, err := s.streaks.Claim(ctx, streak.ClaimRequest{UserID: userID, StreakType: streak.TypeActivity, Today: s.now()}); err != nil && !errors.Is(err, errutil.ErrAlreadyClaimedToday) {
		logger.FromContext(ctx).Warn("failed to record activity", zap.String("user_id", userID), zap.Error(err))
	}
	s.recordFact(ctx, userID, reward.CondFirstReaction)

	unlocked := s.check(ctx, userID, reward.EventReaction)
	after, levelUp, more := s.afterEarning(ctx, userID, before)
	unlocked = append(unlocked, more...)

	s.notifyUnlocked(ctx, userID, unlocked)
	s.audit(ctx, userID, ActionReaction, reactionID, nil, map[string]any{"granted": granted, "unlocked": len(unlocked)})

	return &ReactionResult{Granted: granted, Wallet: after, LevelUp: levelUp, Unlocked: unlocked}, nil
}

// Purchase buys a listing at the price of the caller's tier.
func (s *Service) Purchase(ctx context.Context, userID, listingID string, allowRepurchase bool) (*PurchaseResult, error) {
	ctx, span := tracer.Start(ctx, "economy.Purchase")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("listing_id", listingID))

	who, err := s.identity.Resolve(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, userID, ActionPurchase, listingID, err)
	}

	res, err := s.shop.Purchase(ctx, shop.PurchaseRequest{
		UserID:          userID,
		Role:            who.Role,
		ListingID:       listingID,
		AllowRepurchase: allowRepurchase,
	})
	if err != nil {
		return nil, s.fail(ctx, userID, ActionPurchase, listingID, err)
	}
	s.recordFact(ctx, userID, reward.CondFirstPurchase)

	unlocked := s.check(ctx, userID, reward.EventPurchase)

	if s.notifier != nil {
		if err := s.notifier.PurchaseCompleted(ctx, userID, res, unlocked); err != nil {
			logger.FromContext(ctx).Error("failed to notify purchase", zap.String("user_id", userID), zap.Error(err))
		}
	}
	s.audit(ctx, userID, ActionPurchase, res.Record.ID, nil, map[string]any{
		"listing_id": listingID, "price": res.Record.PricePaid, "delivered": res.Delivered,
	})

	return &PurchaseResult{PurchaseResult: res, Unlocked: unlocked}, nil
}

// ClaimReward claims an unlocked reward. Currency grants can unlock more.
func (s *Service) ClaimReward(ctx context.Context, userID, rewardID string) (*ClaimResult, error) {
	ctx, span := tracer.Start(ctx, "economy.ClaimReward")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("reward_id", rewardID))

	before, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, userID, ActionRewardClaim, rewardID, err)
	}

	res, err := s.rewards.Claim(ctx, userID, rewardID)
	if err != nil {
		return nil, s.fail(ctx, userID, ActionRewardClaim, rewardID, err)
	}

	out := &ClaimResult{ClaimResult: res, Wallet: before}
	if res.Granted > 0 {
		out.Unlocked = s.check(ctx, userID, reward.EventEarn)
		var more []reward.Unlocked
		out.Wallet, out.LevelUp, more = s.afterEarning(ctx, userID, before)
		out.Unlocked = append(out.Unlocked, more...)
	}

	if s.notifier != nil {
		if err := s.notifier.RewardClaimed(ctx, userID, res); err != nil {
			logger.FromContext(ctx).Error("failed to notify claim", zap.String("user_id", userID), zap.Error(err))
		}
	}
	s.notifyUnlocked(ctx, userID, out.Unlocked)
	s.audit(ctx, userID, ActionRewardClaim, rewardID, nil, map[string]any{"granted": res.Granted, "type": res.Reward.Type})

	return out, nil
}

// Available lists the rewards the user can see.
func (s *Service) Available(ctx context.Context, userID string) ([]reward.Available, error) {
	return s.rewards.ListAvailable(ctx, userID)
}

// Balance returns the wallet with its derived level.
func (s *Service) Balance(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// History pages through the user's ledger, newest first.
func (s *Service) History(ctx context.Context, userID string, p pagination.Pagination) ([]*ledger.LedgerEntry, *pagination.PageInfo, error) {
	return s.ledger.ListEntries(ctx, userID, p)
}

// Listings browses the shop as the user's tier sees it.
func (s *Service) Listings(ctx context.Context, userID string, page pagination.Page) ([]*shop.ListingView, bool, error) {
	role := identity.RoleStandard
	if userID != "" {
		who, err := s.identity.Resolve(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		role = who.Role
	}
	return s.shop.Browse(ctx, role, page)
}

// Library returns the content the user owns.
func (s *Service) Library(ctx context.Context, userID string) ([]*shop.PurchaseRecord, error) {
	return s.shop.Owned(ctx, userID)
}

// Redeliver re-sends an owned bundle.
func (s *Service) Redeliver(ctx context.Context, userID, purchaseID string) (*shop.PurchaseRecord, error) {
	return s.shop.Redeliver(ctx, userID, purchaseID)
}

// afterEarning reloads the wallet and runs the level_up check when the
// derived level went up.
func (s *Service) afterEarning(ctx context.Context, userID string, before *ledger.Wallet) (*ledger.Wallet, bool, []reward.Unlocked) {
	after, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		logger.FromContext(ctx).Error("failed to reload wallet", zap.String("user_id", userID), zap.Error(err))
		return before, false, nil
	}
	if after.Level <= before.Level {
		return after, false, nil
	}
	return after, true, s.check(ctx, userID, reward.EventLevelUp)
}

// check never fails the caller; the money already moved.
func (s *Service) check(ctx context.Context, userID string, event reward.EventType) []reward.Unlocked {
	unlocked, err := s.rewards.CheckOnEvent(ctx, userID, event)
	if err != nil {
		logger.FromContext(ctx).Error("reward check failed", zap.String("user_id", userID), zap.String("event", string(event)), zap.Error(err))
		return nil
	}
	return unlocked
}

func (s *Service) recordFact(ctx context.Context, userID string, kind reward.ConditionType) {
	if _, err := s.rewards.RecordFact(ctx, userID, kind); err != nil {
		logger.FromContext(ctx).Error("failed to record fact", zap.String("user_id", userID), zap.String("fact", string(kind)), zap.Error(err))
	}
}

func (s *Service) notifyUnlocked(ctx context.Context, userID string, unlocked []reward.Unlocked) {
	if s.notifier == nil || len(unlocked) == 0 {
		return
	}
	if err := s.notifier.RewardsUnlocked(ctx, userID, unlocked); err != nil {
		logger.FromContext(ctx).Error("failed to notify unlocked rewards", zap.String("user_id", userID), zap.Error(err))
	}
}

// fail tells the user about domain rejections and hands the typed error back.
func (s *Service) fail(ctx context.Context, userID string, action Action, reference string, err error) error {
	log := logger.FromContext(ctx).With(zap.String("user_id", userID), zap.String("action", string(action)))
	if !errutil.IsDomain(err) {
		log.Error("economy action failed", zap.Error(err))
		s.audit(ctx, userID, action, reference, err, nil)
		return err
	}

	log.Info("economy action rejected", zap.String("reason", string(errutil.ReasonOf(err))))
	s.audit(ctx, userID, action, reference, err, nil)
	if s.notifier != nil {
		if nerr := s.notifier.Failure(ctx, userID, errutil.ReasonOf(err), err.Error()); nerr != nil {
			log.Error("failed to notify failure", zap.Error(nerr))
		}
	}
	return err
}

func (s *Service) audit(ctx context.Context, userID string, action Action, reference string, cause error, attrs map[string]any) {
	a := &Activity{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		Action:    action,
		Reference: reference,
		Status:    ActivitySucceeded,
	}
	if cause != nil {
		a.Status = ActivityFailed
		a.Reason = string(errutil.ReasonOf(cause))
		if errutil.IsDomain(cause) {
			a.Status = ActivityRejected
		}
	}
	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		if err == nil {
			a.Attributes = b
		}
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		logger.FromContext(ctx).Warn("failed to write activity", zap.String("action", string(action)), zap.Error(err))
	}
}

// Activities returns the user's recent coordinator calls.
func (s *Service) Activities(ctx context.Context, userID string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	var out []*Activity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}
