package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Reason string

const (
	ReasonDailyGift  Reason = "daily_gift"
	ReasonReaction   Reason = "reaction"
	ReasonReward     Reason = "reward"
	ReasonPurchase   Reason = "shop_purchase"
	ReasonAdjustment Reason = "adjustment"
)

const GenesisHash = "GENESIS"

// Wallet is the per-user balance. Level is derived from TotalEarned on read.
type Wallet struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	UserID      string    `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Balance     int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	TotalEarned int64     `gorm:"column:total_earned;not null;default:0" json:"total_earned"`
	TotalSpent  int64     `gorm:"column:total_spent;not null;default:0" json:"total_spent"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`

	Level int `gorm:"-" json:"level"`
}

// LedgerEntry is an append-only balance movement, hash chained per user.
type LedgerEntry struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"column:created_at;index:idx_ledger_user_created,priority:2" json:"created_at"`
	UserID       string         `gorm:"column:user_id;type:varchar(64);not null;index:idx_ledger_user_created,priority:1;uniqueIndex:idx_ledger_user_reference,priority:1" json:"user_id"`
	Amount       int64          `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	Reason       Reason         `gorm:"column:reason;type:varchar(32);not null" json:"reason"`
	ReferenceID  string         `gorm:"column:reference_id;type:varchar(128);not null;uniqueIndex:idx_ledger_user_reference,priority:2" json:"reference_id"`
	Description  string         `gorm:"column:description" json:"description,omitempty"`
	PreviousHash string         `gorm:"column:previous_hash;type:char(64)" json:"previous_hash"`
	Hash         string         `gorm:"column:hash;type:char(64)" json:"hash"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"amount":        fmt.Sprintf("%d", m.Amount),
		"balance_after": fmt.Sprintf("%d", m.BalanceAfter),
		"reason":        string(m.Reason),
		"reference_id":  m.ReferenceID,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// EntryRequest describes one balance movement. Amount is always positive;
// the direction comes from the operation.
type EntryRequest struct {
	UserID      string
	Amount      int64
	Reason      Reason
	ReferenceID string
	Description string
	Metadata    map[string]any
}

type (
	EarnRequest  = EntryRequest
	SpendRequest = EntryRequest
)

// Result is the wallet after a movement and the entry that recorded it.
type Result struct {
	Wallet *Wallet
	Entry  *LedgerEntry
}

type Reconciliation struct {
	UserID        string `json:"user_id"`
	WalletBalance int64  `json:"wallet_balance"`
	WalletEarned  int64  `json:"wallet_earned"`
	WalletSpent   int64  `json:"wallet_spent"`
	LedgerEarned  int64  `json:"ledger_earned"`
	LedgerSpent   int64  `json:"ledger_spent"`
	Drift         bool   `json:"drift"`
	Repaired      bool   `json:"repaired"`
}
