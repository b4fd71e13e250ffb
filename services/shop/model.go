package shop

import (
	"time"

	"smallbiznis-economy/pkg/identity"

	"gorm.io/datatypes"
)

type AccessChannel string

const (
	ChannelPurchase AccessChannel = "purchase"
	ChannelReward   AccessChannel = "reward"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type ContentBundle struct {
	ID          string                      `gorm:"column:id;primaryKey" json:"id"`
	Slug        string                      `gorm:"column:slug;type:varchar(96);uniqueIndex;not null" json:"slug"`
	Name        string                      `gorm:"column:name;not null" json:"name"`
	Description string                      `gorm:"column:description" json:"description,omitempty"`
	ContentType string                      `gorm:"column:content_type;type:varchar(32)" json:"content_type"`
	Category    string                      `gorm:"column:category;type:varchar(64);index" json:"category,omitempty"`
	References  datatypes.JSONSlice[string] `gorm:"column:references" json:"references"`
	CreatedAt   time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

func (ContentBundle) TableName() string {
	return "content_bundles"
}

type Listing struct {
	ID                        string    `gorm:"column:id;primaryKey" json:"id"`
	Slug                      string    `gorm:"column:slug;type:varchar(96);uniqueIndex;not null" json:"slug"`
	Title                     string    `gorm:"column:title;not null" json:"title"`
	ContentBundleID           string    `gorm:"column:content_bundle_id;not null;index" json:"content_bundle_id"`
	BasePrice                 int64     `gorm:"column:base_price;not null;index" json:"base_price"`
	PrivilegedDiscountPercent int       `gorm:"column:privileged_discount_percent;not null;default:0" json:"privileged_discount_percent"`
	PrivilegedPrice           *int64    `gorm:"column:privileged_price" json:"privileged_price,omitempty"`
	TierRequirement           string    `gorm:"column:tier_requirement;type:varchar(24)" json:"tier_requirement,omitempty"`
	AllowRepurchase           bool      `gorm:"column:allow_repurchase;not null;default:false" json:"allow_repurchase"`
	PurchaseCount             int64     `gorm:"column:purchase_count;not null;default:0" json:"purchase_count"`
	IsActive                  bool      `gorm:"column:is_active;not null;default:true;index" json:"is_active"`
	CreatedAt                 time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt                 time.Time `gorm:"column:updated_at" json:"updated_at"`

	Bundle *ContentBundle `gorm:"foreignKey:ContentBundleID" json:"bundle,omitempty"`
}

func (Listing) TableName() string {
	return "shop_listings"
}

// PurchaseRecord is one library entry. Sequence increases on repurchase.
type PurchaseRecord struct {
	ID               string         `gorm:"column:id;primaryKey" json:"id"`
	UserID           string         `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_purchase_owner,priority:1" json:"user_id"`
	ContentBundleID  string         `gorm:"column:content_bundle_id;not null;uniqueIndex:idx_purchase_owner,priority:2" json:"content_bundle_id"`
	Sequence         int            `gorm:"column:sequence;not null;uniqueIndex:idx_purchase_owner,priority:3" json:"sequence"`
	ListingID        string         `gorm:"column:listing_id" json:"listing_id,omitempty"`
	AccessChannel    AccessChannel  `gorm:"column:access_channel;type:varchar(16);not null" json:"access_channel"`
	PricePaid        int64          `gorm:"column:price_paid;not null;default:0" json:"price_paid"`
	ReferenceID      string         `gorm:"column:reference_id" json:"reference_id,omitempty"`
	DeliveryStatus   DeliveryStatus `gorm:"column:delivery_status;type:varchar(16);not null" json:"delivery_status"`
	DeliveryAttempts int            `gorm:"column:delivery_attempts;not null;default:0" json:"delivery_attempts"`
	DeliveredAt      *time.Time     `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	LastError        string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (PurchaseRecord) TableName() string {
	return "purchase_records"
}

// ListingView is a listing as one role sees it. Both tier prices are
// always filled so standard users see what privileged users pay.
type ListingView struct {
	*Listing
	EffectivePrice           int64 `json:"effective_price"`
	StandardEffectivePrice   int64 `json:"standard_effective_price"`
	PrivilegedEffectivePrice int64 `json:"privileged_effective_price"`
	Restricted               bool  `json:"restricted"`
}

type PurchaseRequest struct {
	UserID    string
	Role      identity.Role
	ListingID string
	// AllowRepurchase lets a user buy a bundle they already own, on top of
	// listings that allow it.
	AllowRepurchase bool
}

type PurchaseResult struct {
	Record  *PurchaseRecord `json:"record"`
	Listing *Listing        `json:"listing"`
	Balance int64           `json:"balance"`
	// Delivered is false when delivery failed and was queued for retry.
	Delivered bool `json:"delivered"`
}

type CreateBundleRequest struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ContentType string   `json:"content_type"`
	Category    string   `json:"category"`
	References  []string `json:"references"`
}

type CreateListingRequest struct {
	Slug                      string `json:"slug"`
	Title                     string `json:"title"`
	ContentBundleID           string `json:"content_bundle_id"`
	BasePrice                 int64  `json:"base_price"`
	PrivilegedDiscountPercent int    `json:"privileged_discount_percent"`
	PrivilegedPrice           *int64 `json:"privileged_price"`
	TierRequirement           string `json:"tier_requirement"`
	AllowRepurchase           bool   `json:"allow_repurchase"`
}
