package collab

import (
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/services/delivery"
	"smallbiznis-economy/services/reward"
)

// Payloads consumed by the chat process. Field names are part of the
// queue contract.

type RewardNotice struct {
	RewardID string            `json:"reward_id"`
	Code     string            `json:"code"`
	Name     string            `json:"name"`
	Type     reward.RewardType `json:"type"`
}

type RewardsUnlockedPayload struct {
	UserID  string         `json:"user_id"`
	Rewards []RewardNotice `json:"rewards"`
}

type RewardClaimedPayload struct {
	RewardNotice
	UserID           string `json:"user_id"`
	Granted          int64  `json:"granted,omitempty"`
	PurchaseID       string `json:"purchase_id,omitempty"`
	SubscriptionDays int    `json:"subscription_days,omitempty"`
	ExtensionPending bool   `json:"extension_pending,omitempty"`
}

type PurchaseCompletedPayload struct {
	UserID     string         `json:"user_id"`
	PurchaseID string         `json:"purchase_id"`
	ListingID  string         `json:"listing_id"`
	Title      string         `json:"title"`
	PricePaid  int64          `json:"price_paid"`
	Balance    int64          `json:"balance"`
	Delivered  bool           `json:"delivered"`
	Unlocked   []RewardNotice `json:"unlocked,omitempty"`
}

type FailurePayload struct {
	UserID  string         `json:"user_id"`
	Reason  errutil.Reason `json:"reason"`
	Message string         `json:"message"`
}

type DeliveryPayload struct {
	UserID   string          `json:"user_id"`
	BundleID string          `json:"bundle_id"`
	Files    []delivery.File `json:"files"`
}

type ExtendPayload struct {
	UserID  string `json:"user_id"`
	Seconds int64  `json:"seconds"`
}

func notices(unlocked []reward.Unlocked) []RewardNotice {
	out := make([]RewardNotice, 0, len(unlocked))
	for _, u := range unlocked {
		if u.Reward == nil {
			continue
		}
		out = append(out, notice(u.Reward))
	}
	return out
}

func notice(def *reward.Definition) RewardNotice {
	return RewardNotice{RewardID: def.ID, Code: def.Code, Name: def.Name, Type: def.Type}
}
