package streak

import "time"

type StreakType string

const (
	TypeDailyGift StreakType = "daily_gift"
	TypeActivity  StreakType = "activity"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Record tracks one consecutive-day counter. LastActivityDate is a
// YYYY-MM-DD calendar date in the economy timezone; empty means never claimed.
type Record struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	UserID           string     `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_streak_user_type,priority:1" json:"user_id"`
	StreakType       StreakType `gorm:"column:streak_type;type:varchar(32);not null;uniqueIndex:idx_streak_user_type,priority:2" json:"streak_type"`
	CurrentLength    int        `gorm:"column:current_length;not null;default:0" json:"current_length"`
	LongestLength    int        `gorm:"column:longest_length;not null;default:0" json:"longest_length"`
	LastActivityDate string     `gorm:"column:last_activity_date;type:char(10);not null;default:'';index" json:"last_activity_date"`
	Status           Status     `gorm:"column:status;type:varchar(16);not null;default:'active'" json:"status"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Record) TableName() string {
	return "streak_records"
}

type ClaimRequest struct {
	UserID     string
	StreakType StreakType
	// Today is the caller's current instant; only its calendar date in the
	// economy timezone is used.
	Today time.Time
}

type ClaimResult struct {
	Record *Record `json:"record"`
	// Granted is the currency credited for a daily gift claim.
	Granted int64 `json:"granted"`
	// FirstClaim is set on the user's first ever claim of this streak type.
	FirstClaim bool `json:"first_claim"`
	// Reset is set when a gap broke a previous streak.
	Reset bool `json:"reset"`
}

const dateLayout = time.DateOnly

// DateKey formats t as a calendar date in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

// PreviousDateKey returns the calendar day before t in loc.
func PreviousDateKey(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d-1, 12, 0, 0, 0, loc).Format(dateLayout)
}
