package collab

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/logger"
	pkgtask "smallbiznis-economy/pkg/task"
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/delivery"
	"smallbiznis-economy/services/economy"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module binds the outbound publisher to every collaborator interface the
// services depend on.
var Module = fx.Module("collab",
	fx.Provide(
		NewPublisher,
		func(p *Publisher) economy.Notifier { return p },
		func(p *Publisher) delivery.Sender { return p },
		func(p *Publisher) reward.SubscriptionExtender { return p },
	),
)

// Publisher hands notifications, deliveries and subscription extensions to
// the chat process through the outbound asynq queue.
type Publisher struct {
	enqueuer pkgtask.Enqueuer
	maxRetry int
}

func NewPublisher(enqueuer pkgtask.Enqueuer) *Publisher {
	return &Publisher{enqueuer: enqueuer, maxRetry: 5}
}

func (p *Publisher) RewardsUnlocked(ctx context.Context, userID string, unlocked []reward.Unlocked) error {
	if len(unlocked) == 0 {
		return nil
	}
	return p.publish(ctx, taskname.NotifyRewardsUnlocked, RewardsUnlockedPayload{
		UserID:  userID,
		Rewards: notices(unlocked),
	})
}

func (p *Publisher) RewardClaimed(ctx context.Context, userID string, result *reward.ClaimResult) error {
	if result == nil || result.Reward == nil {
		return nil
	}
	return p.publish(ctx, taskname.NotifyRewardClaimed, RewardClaimedPayload{
		UserID:           userID,
		RewardNotice:     notice(result.Reward),
		Granted:          result.Granted,
		PurchaseID:       result.PurchaseID,
		SubscriptionDays: result.SubscriptionDays,
		ExtensionPending: result.ExtensionPending,
	})
}

func (p *Publisher) PurchaseCompleted(ctx context.Context, userID string, result *shop.PurchaseResult, unlocked []reward.Unlocked) error {
	if result == nil || result.Record == nil {
		return nil
	}
	payload := PurchaseCompletedPayload{
		UserID:     userID,
		PurchaseID: result.Record.ID,
		ListingID:  result.Record.ListingID,
		PricePaid:  result.Record.PricePaid,
		Balance:    result.Balance,
		Delivered:  result.Delivered,
		Unlocked:   notices(unlocked),
	}
	if result.Listing != nil {
		payload.Title = result.Listing.Title
	}
	return p.publish(ctx, taskname.NotifyPurchaseCompleted, payload)
}

func (p *Publisher) Failure(ctx context.Context, userID string, reason errutil.Reason, message string) error {
	return p.publish(ctx, taskname.NotifyFailure, FailurePayload{UserID: userID, Reason: reason, Message: message})
}

// Send publishes resolved files. Delivery counts as done once the chat
// process has the task.
func (p *Publisher) Send(ctx context.Context, userID, bundleID string, files []delivery.File) error {
	return p.publish(ctx, taskname.DeliverySend, DeliveryPayload{UserID: userID, BundleID: bundleID, Files: files})
}

func (p *Publisher) Extend(ctx context.Context, userID string, d time.Duration) error {
	if d <= 0 {
		return errutil.BadRequest("extension must be positive", nil)
	}
	return p.publish(ctx, taskname.SubscriptionExtend, ExtendPayload{UserID: userID, Seconds: int64(d / time.Second)})
}

func (p *Publisher) publish(ctx context.Context, typ string, payload any) error {
	t, err := pkgtask.NewJSONTask(typ, payload)
	if err != nil {
		return err
	}

	info, err := p.enqueuer.Enqueue(ctx, t, asynq.Queue(taskname.QueueOutbound), asynq.MaxRetry(p.maxRetry))
	if err != nil {
		logger.FromContext(ctx).Error("failed to publish outbound task", zap.String("task", typ), zap.Error(err))
		return fmt.Errorf("publish %s: %w", typ, err)
	}

	logger.FromContext(ctx).Debug("outbound task published", zap.String("task", typ), zap.String("task_id", info.ID))
	return nil
}
