package taskname

const (
	// Sweep tasks
	StreakSweep  = "streak:sweep"
	RewardExpire = "reward:expire"

	// Retry tasks
	ShopRedeliver     = "shop:redeliver"
	RewardExtendRetry = "reward:subscription:retry"

	// Tasks consumed by the chat process
	NotifyRewardsUnlocked   = "notify:rewards_unlocked"
	NotifyRewardClaimed     = "notify:reward_claimed"
	NotifyPurchaseCompleted = "notify:purchase_completed"
	NotifyFailure           = "notify:failure"
	DeliverySend            = "delivery:send"
	SubscriptionExtend      = "subscription:extend"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
	QueueOutbound = "outbound"
)
