package reward

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type RewardType string

const (
	TypeCurrency     RewardType = "currency"
	TypeContent      RewardType = "content"
	TypeBadge        RewardType = "badge"
	TypeSubscription RewardType = "subscription"
)

func (t RewardType) Valid() bool {
	switch t {
	case TypeCurrency, TypeContent, TypeBadge, TypeSubscription:
		return true
	}
	return false
}

type ConditionType string

const (
	CondStreakLength    ConditionType = "streak_length"
	CondTotalEarned     ConditionType = "total_earned"
	CondLevel           ConditionType = "level"
	CondTotalSpent      ConditionType = "total_spent"
	CondFirstPurchase   ConditionType = "first_purchase"
	CondFirstDailyClaim ConditionType = "first_daily_claim"
	CondFirstReaction   ConditionType = "first_reaction"
	CondNotPrivileged   ConditionType = "not_privileged"
	CondNotClaimed      ConditionType = "not_claimed"
)

func (c ConditionType) Valid() bool {
	switch c {
	case CondStreakLength, CondTotalEarned, CondLevel, CondTotalSpent,
		CondFirstPurchase, CondFirstDailyClaim, CondFirstReaction,
		CondNotPrivileged, CondNotClaimed:
		return true
	}
	return false
}

// IsFact reports whether the condition is a first-occurrence fact.
func (c ConditionType) IsFact() bool {
	return c == CondFirstPurchase || c == CondFirstDailyClaim || c == CondFirstReaction
}

type EventType string

const (
	EventDailyClaim EventType = "daily_claim"
	EventReaction   EventType = "reaction"
	EventPurchase   EventType = "purchase"
	EventLevelUp    EventType = "level_up"
	EventEarn       EventType = "earn"
)

// eventConditions lists the condition types an event can flip.
var eventConditions = map[EventType][]ConditionType{
	EventDailyClaim: {CondStreakLength, CondFirstDailyClaim, CondTotalEarned, CondLevel},
	EventReaction:   {CondFirstReaction, CondTotalEarned, CondLevel},
	EventPurchase:   {CondFirstPurchase, CondTotalSpent},
	EventLevelUp:    {CondLevel},
	EventEarn:       {CondTotalEarned, CondLevel},
}

type Status string

const (
	StatusLocked   Status = "locked"
	StatusUnlocked Status = "unlocked"
	StatusClaimed  Status = "claimed"
	StatusExpired  Status = "expired"
)

type Definition struct {
	ID                 string         `gorm:"column:id;primaryKey" json:"id"`
	Code               string         `gorm:"column:code;type:varchar(96);uniqueIndex;not null" json:"code"`
	Name               string         `gorm:"column:name;not null" json:"name"`
	Description        string         `gorm:"column:description" json:"description,omitempty"`
	Type               RewardType     `gorm:"column:type;type:varchar(24);not null" json:"type"`
	Value              datatypes.JSON `gorm:"column:value" json:"value,omitempty"`
	IsRepeatable       bool           `gorm:"column:is_repeatable;not null;default:false" json:"is_repeatable"`
	CooldownSeconds    int64          `gorm:"column:cooldown_seconds;not null;default:0" json:"cooldown_seconds"`
	IsSecret           bool           `gorm:"column:is_secret;not null;default:false" json:"is_secret"`
	IsActive           bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	ClaimWindowSeconds int64          `gorm:"column:claim_window_seconds;not null;default:0" json:"claim_window_seconds"`
	ContentBundleID    string         `gorm:"column:content_bundle_id" json:"content_bundle_id,omitempty"`
	CreatedAt          time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at" json:"updated_at"`

	Conditions []Condition `gorm:"foreignKey:RewardID" json:"conditions,omitempty"`
}

func (Definition) TableName() string {
	return "reward_definitions"
}

func (d *Definition) Cooldown() time.Duration {
	return time.Duration(d.CooldownSeconds) * time.Second
}

func (d *Definition) ClaimWindow() time.Duration {
	return time.Duration(d.ClaimWindowSeconds) * time.Second
}

// Value is the typed payload of a reward definition.
type Value struct {
	Amount int64  `json:"amount,omitempty"`
	Days   int    `json:"days,omitempty"`
	Badge  string `json:"badge,omitempty"`
}

func (d *Definition) DecodeValue() (Value, error) {
	var v Value
	if len(d.Value) == 0 {
		return v, nil
	}
	err := json.Unmarshal(d.Value, &v)
	return v, err
}

// Condition is one predicate of a reward. Group 0 conditions must all hold;
// conditions sharing a positive group form an alternative, at least one of
// which must hold when any exist.
type Condition struct {
	ID        string        `gorm:"column:id;primaryKey" json:"id"`
	RewardID  string        `gorm:"column:reward_id;index;not null" json:"reward_id"`
	Position  int           `gorm:"column:position;not null" json:"position"`
	Type      ConditionType `gorm:"column:condition_type;type:varchar(32);not null" json:"condition_type"`
	Threshold int64         `gorm:"column:threshold;not null;default:0" json:"threshold"`
	Group     int           `gorm:"column:group_no;not null;default:0" json:"group"`
}

func (Condition) TableName() string {
	return "reward_conditions"
}

// UserState is the user's progress on one reward. No row means locked.
type UserState struct {
	ID            string     `gorm:"column:id;primaryKey" json:"id"`
	UserID        string     `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_user_reward,priority:1" json:"user_id"`
	RewardID      string     `gorm:"column:reward_id;not null;uniqueIndex:idx_user_reward,priority:2;index" json:"reward_id"`
	Status        Status     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	UnlockedAt    *time.Time `gorm:"column:unlocked_at" json:"unlocked_at,omitempty"`
	ExpiresAt     *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	LastClaimedAt *time.Time `gorm:"column:last_claimed_at" json:"last_claimed_at,omitempty"`
	ClaimCount    int        `gorm:"column:claim_count;not null;default:0" json:"claim_count"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (UserState) TableName() string {
	return "user_reward_states"
}

// Fact is a first-occurrence marker, written once per user and kind.
type Fact struct {
	UserID     string        `gorm:"column:user_id;type:varchar(64);primaryKey" json:"user_id"`
	Kind       ConditionType `gorm:"column:kind;type:varchar(32);primaryKey" json:"kind"`
	OccurredAt time.Time     `gorm:"column:occurred_at" json:"occurred_at"`
}

func (Fact) TableName() string {
	return "user_facts"
}

// Snapshot is the user data conditions are evaluated against.
type Snapshot struct {
	UserID       string
	StreakLength int
	TotalEarned  int64
	TotalSpent   int64
	Level        int
	Privileged   bool
	Facts        map[ConditionType]bool
	// Claimed holds reward ids the user claimed at least once.
	Claimed map[string]bool
}

type Unlocked struct {
	Reward *Definition `json:"reward"`
	State  *UserState  `json:"state"`
}

type Available struct {
	Reward *Definition `json:"reward"`
	Status Status      `json:"status"`
	State  *UserState  `json:"state,omitempty"`
}

type ClaimResult struct {
	Reward *Definition `json:"reward"`
	State  *UserState  `json:"state"`
	// Granted is the currency actually credited after caps.
	Granted int64 `json:"granted"`
	// PurchaseID is the library grant for content rewards.
	PurchaseID       string `json:"purchase_id,omitempty"`
	SubscriptionDays int    `json:"subscription_days,omitempty"`
	// ExtensionPending is set when the subscription extension was queued for retry.
	ExtensionPending bool `json:"extension_pending,omitempty"`
}

type ConditionSpec struct {
	Type      ConditionType `json:"condition_type"`
	Threshold int64         `json:"threshold"`
	Group     int           `json:"group"`
}

type CreateRewardRequest struct {
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Type            RewardType      `json:"type"`
	Value           Value           `json:"value"`
	IsRepeatable    bool            `json:"is_repeatable"`
	Cooldown        time.Duration   `json:"cooldown"`
	IsSecret        bool            `json:"is_secret"`
	ClaimWindow     time.Duration   `json:"claim_window"`
	ContentBundleID string          `json:"content_bundle_id"`
	Conditions      []ConditionSpec `json:"conditions"`
}
