package bootstrap

import (
	"time"

	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
)

// ListingSeed names its bundle by slug.
type ListingSeed struct {
	shop.CreateListingRequest
	Bundle string
}

// RewardSeed names its content bundle, if any, by slug.
type RewardSeed struct {
	reward.CreateRewardRequest
	Bundle string
}

type Catalog struct {
	Bundles  []shop.CreateBundleRequest
	Listings []ListingSeed
	Rewards  []RewardSeed
}

func int64Ptr(v int64) *int64 { return &v }

// DemoCatalog is a small catalog that exercises every reward type and both
// pricing modes.
func DemoCatalog() Catalog {
	return Catalog{
		Bundles: []shop.CreateBundleRequest{
			{Slug: "sunset-set", Name: "Sunset set", ContentType: "photo", Category: "sets", References: []string{"s3://content/sunset/01.jpg", "s3://content/sunset/02.jpg"}},
			{Slug: "studio-clip", Name: "Studio clip", ContentType: "video", Category: "clips", References: []string{"s3://content/studio/clip.mp4"}},
			{Slug: "loyal-fan-card", Name: "Loyal fan card", ContentType: "photo", Category: "rewards", References: []string{"s3://content/rewards/fan-card.png"}},
		},
		Listings: []ListingSeed{
			{Bundle: "sunset-set", CreateListingRequest: shop.CreateListingRequest{Slug: "sunset-set", Title: "Sunset set", BasePrice: 150, PrivilegedDiscountPercent: 20}},
			{Bundle: "studio-clip", CreateListingRequest: shop.CreateListingRequest{Slug: "studio-clip", Title: "Studio clip", BasePrice: 400, PrivilegedPrice: int64Ptr(250), TierRequirement: string(identity.RolePrivileged)}},
		},
		Rewards: []RewardSeed{
			{CreateRewardRequest: reward.CreateRewardRequest{
				Code: "first-gift", Name: "First gift", Type: reward.TypeBadge, Value: reward.Value{Badge: "first-gift"},
				Conditions: []reward.ConditionSpec{{Type: reward.CondFirstDailyClaim}},
			}},
			{CreateRewardRequest: reward.CreateRewardRequest{
				Code: "week-streak", Name: "Seven day streak", Type: reward.TypeCurrency, Value: reward.Value{Amount: 50},
				IsRepeatable: true, Cooldown: 7 * 24 * time.Hour, ClaimWindow: 72 * time.Hour,
				Conditions: []reward.ConditionSpec{{Type: reward.CondStreakLength, Threshold: 7}},
			}},
			{CreateRewardRequest: reward.CreateRewardRequest{
				Code: "big-spender", Name: "Big spender", Type: reward.TypeSubscription, Value: reward.Value{Days: 7},
				Conditions: []reward.ConditionSpec{{Type: reward.CondTotalSpent, Threshold: 1000}, {Type: reward.CondNotPrivileged}},
			}},
			{Bundle: "loyal-fan-card", CreateRewardRequest: reward.CreateRewardRequest{
				Code: "loyal-fan", Name: "Loyal fan", Type: reward.TypeContent, IsSecret: true,
				Conditions: []reward.ConditionSpec{
					{Type: reward.CondLevel, Threshold: 5, Group: 1},
					{Type: reward.CondStreakLength, Threshold: 30, Group: 2},
				},
			}},
		},
	}
}
