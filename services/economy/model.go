package economy

import (
	"time"

	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"

	"gorm.io/datatypes"
)

type Action string

const (
	ActionDailyGift   Action = "daily_gift"
	ActionReaction    Action = "reaction"
	ActionPurchase    Action = "purchase"
	ActionRewardClaim Action = "reward_claim"
)

type ActivityStatus string

const (
	ActivitySucceeded ActivityStatus = "succeeded"
	ActivityRejected  ActivityStatus = "rejected"
	ActivityFailed    ActivityStatus = "failed"
)

// Activity is the audit trail of coordinator calls.
type Activity struct {
	ID         string         `gorm:"column:id;primaryKey" json:"id"`
	UserID     string         `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	Action     Action         `gorm:"column:action;type:varchar(32);index" json:"action"`
	Reference  string         `gorm:"column:reference" json:"reference,omitempty"`
	Status     ActivityStatus `gorm:"column:status;type:varchar(16)" json:"status"`
	Reason     string         `gorm:"column:reason;type:varchar(48)" json:"reason,omitempty"`
	Attributes datatypes.JSON `gorm:"column:attributes" json:"attributes,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Activity) TableName() string {
	return "economy_activities"
}

type DailyGiftResult struct {
	Streak   *streak.Record    `json:"streak"`
	Granted  int64             `json:"granted"`
	Reset    bool              `json:"reset"`
	Wallet   *ledger.Wallet    `json:"wallet"`
	LevelUp  bool              `json:"level_up"`
	Unlocked []reward.Unlocked `json:"unlocked,omitempty"`
}

type ReactionResult struct {
	Granted  int64             `json:"granted"`
	Wallet   *ledger.Wallet    `json:"wallet"`
	LevelUp  bool              `json:"level_up"`
	Unlocked []reward.Unlocked `json:"unlocked,omitempty"`
}

type PurchaseResult struct {
	*shop.PurchaseResult
	Unlocked []reward.Unlocked `json:"unlocked,omitempty"`
}

type ClaimResult struct {
	*reward.ClaimResult
	Wallet   *ledger.Wallet    `json:"wallet"`
	LevelUp  bool              `json:"level_up"`
	Unlocked []reward.Unlocked `json:"unlocked,omitempty"`
}
