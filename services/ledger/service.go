package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/db/option"
	"smallbiznis-economy/pkg/db/pagination"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var movements = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "economy_ledger_movements_total",
	Help: "Committed ledger movements by reason and direction.",
}, []string{"reason", "direction"})

var latestFirst = []option.QueryOption{
	option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
	option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
}

var oldestFirst = []option.QueryOption{
	option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
	option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	level LevelFormula
	now   func() time.Time

	wallets repository.Repository[Wallet]
	entries repository.Repository[LedgerEntry]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Level LevelFormula
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		level: p.Level,
		now:   time.Now,

		wallets: repository.ProvideStore[Wallet](p.DB),
		entries: repository.ProvideStore[LedgerEntry](p.DB),
	}
}

// Level derives the level for a lifetime earnings total.
func (s *Service) Level(totalEarned int64) int {
	return s.level.Level(totalEarned)
}

// GetBalance returns the user's wallet, creating an empty one on first access.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	if err := s.ensureWallet(ctx, s.db, userID); err != nil {
		logger.FromContext(ctx).Error("failed to ensure wallet", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	return s.loadWallet(ctx, s.db, userID)
}

// Earn credits a wallet in its own transaction.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (*Result, error) {
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.EarnTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observe(res.Entry)
	return res, nil
}

// Spend debits a wallet in its own transaction.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (*Result, error) {
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.SpendTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observe(res.Entry)
	return res, nil
}

// EarnTx credits a wallet inside the caller's transaction.
func (s *Service) EarnTx(ctx context.Context, tx *gorm.DB, req EarnRequest) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if err := s.ensureWallet(ctx, tx, req.UserID); err != nil {
		return nil, err
	}

	res := tx.WithContext(ctx).Model(&Wallet{}).
		Where("user_id = ?", req.UserID).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance + ?", req.Amount),
			"total_earned": gorm.Expr("total_earned + ?", req.Amount),
			"updated_at":   s.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Internal("wallet vanished during earn", nil)
	}

	return s.appendEntry(ctx, tx, req, req.Amount)
}

// SpendTx debits a wallet inside the caller's transaction. The balance check
// and the debit are one conditional update, so concurrent spends can never
// overdraw.
func (s *Service) SpendTx(ctx context.Context, tx *gorm.DB, req SpendRequest) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if err := s.ensureWallet(ctx, tx, req.UserID); err != nil {
		return nil, err
	}

	res := tx.WithContext(ctx).Model(&Wallet{}).
		Where("user_id = ? AND balance >= ?", req.UserID, req.Amount).
		Updates(map[string]any{
			"balance":     gorm.Expr("balance - ?", req.Amount),
			"total_spent": gorm.Expr("total_spent + ?", req.Amount),
			"updated_at":  s.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.ErrInsufficientFunds
	}

	return s.appendEntry(ctx, tx, req, -req.Amount)
}

func validate(req EntryRequest) error {
	if req.UserID == "" {
		return errutil.BadRequest("user_id is required", nil)
	}
	if req.Amount <= 0 {
		return errutil.ErrInvalidAmount
	}
	if req.Reason == "" {
		return errutil.BadRequest("reason is required", nil)
	}
	return nil
}

func (s *Service) ensureWallet(ctx context.Context, tx *gorm.DB, userID string) error {
	w := &Wallet{ID: s.node.Generate().String(), UserID: userID}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(w).Error
}

// LockWalletTx creates the wallet if needed and locks its row until tx
// ends. Callers take it before reading per-user sums they enforce limits on.
func (s *Service) LockWalletTx(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	if err := s.ensureWallet(ctx, tx, userID); err != nil {
		return nil, err
	}
	w, err := s.wallets.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errutil.NotFound("wallet not found", nil)
	}
	w.Level = s.level.Level(w.TotalEarned)
	return w, nil
}

func (s *Service) loadWallet(ctx context.Context, tx *gorm.DB, userID string) (*Wallet, error) {
	w, err := s.wallets.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errutil.NotFound("wallet not found", nil)
	}
	w.Level = s.level.Level(w.TotalEarned)
	return w, nil
}

// appendEntry runs after the wallet row update, which holds the row lock
// for the rest of the transaction, so the chain tail read here is stable.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, req EntryRequest, signed int64) (*Result, error) {
	wallet, err := s.loadWallet(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	last, err := s.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{UserID: req.UserID}, latestFirst...)
	if err != nil {
		return nil, err
	}

	prevHash := GenesisHash
	createdAt := s.now().UTC().Truncate(time.Microsecond)
	if last != nil {
		prevHash = last.Hash
		if !createdAt.After(last.CreatedAt) {
			createdAt = last.CreatedAt.UTC().Add(time.Microsecond)
		}
	}

	var meta datatypes.JSON
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, errutil.BadRequest("metadata is not serialisable", err)
		}
		meta = datatypes.JSON(b)
	}

	entry := &LedgerEntry{
		ID:           s.node.Generate().String(),
		CreatedAt:    createdAt,
		UserID:       req.UserID,
		Amount:       signed,
		BalanceAfter: wallet.Balance,
		Reason:       req.Reason,
		ReferenceID:  req.ReferenceID,
		Description:  req.Description,
		PreviousHash: prevHash,
		Metadata:     meta,
	}
	if entry.ReferenceID == "" {
		entry.ReferenceID = entry.ID
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.ErrDuplicateReference
		}
		return nil, err
	}

	return &Result{Wallet: wallet, Entry: entry}, nil
}

// Observe records a committed movement. Callers using EarnTx/SpendTx call
// it after their transaction commits.
func (s *Service) Observe(entry *LedgerEntry) {
	s.observe(entry)
}

func (s *Service) observe(entry *LedgerEntry) {
	if entry == nil {
		return
	}
	direction := "credit"
	if entry.Amount < 0 {
		direction = "debit"
	}
	movements.WithLabelValues(string(entry.Reason), direction).Inc()
}

// ListEntries returns the user's history, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, p pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	p = p.Normalize()
	opts := append([]option.QueryOption{}, latestFirst...)
	opts = append(opts, option.ApplyPagination(p))

	if p.Cursor != "" {
		cur, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		at, err := time.Parse(time.RFC3339Nano, cur.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("(created_at < ?) OR (created_at = ? AND id < ?)", at, at, cur.ID)
		})
	}

	entries, err := s.entries.Find(ctx, &LedgerEntry{UserID: userID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	entries, page := pagination.BuildCursorPageInfo(entries, p.Limit, func(e *LedgerEntry) string {
		c, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        e.ID,
		})
		return c
	})

	return entries, page, nil
}

// VerifyChain recomputes every hash of the user's chain and the running
// balance recorded on each entry.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	entries, err := s.entries.Find(ctx, &LedgerEntry{UserID: userID}, oldestFirst...)
	if err != nil {
		return false, err
	}

	prev := GenesisHash
	var running int64
	for _, e := range entries {
		running += e.Amount
		if e.PreviousHash != prev || e.GenerateHash() != e.Hash || e.BalanceAfter != running {
			logger.FromContext(ctx).Warn("ledger chain broken",
				zap.String("user_id", userID),
				zap.String("entry_id", e.ID),
			)
			return false, nil
		}
		prev = e.Hash
	}

	return true, nil
}

// SumSince totals the user's movements for reason since the given instant.
func (s *Service) SumSince(ctx context.Context, tx *gorm.DB, userID string, reason Reason, since time.Time) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).Model(&LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND reason = ? AND created_at >= ?", userID, reason, since.UTC()).
		Scan(&total).Error
	return total, err
}

// Reconcile rebuilds the wallet totals from the ledger. With repair set,
// drifted totals are overwritten by the ledger's view.
func (s *Service) Reconcile(ctx context.Context, userID string, repair bool) (*Reconciliation, error) {
	var rec *Reconciliation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.wallets.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &Wallet{UserID: userID})
		if err != nil {
			return err
		}
		if w == nil {
			return errutil.NotFound("wallet not found", nil)
		}

		var sums struct {
			Earned int64
			Spent  int64
		}
		if err := tx.Model(&LedgerEntry{}).
			Select("COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS earned, COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS spent").
			Where("user_id = ?", userID).
			Scan(&sums).Error; err != nil {
			return err
		}

		rec = &Reconciliation{
			UserID:        userID,
			WalletBalance: w.Balance,
			WalletEarned:  w.TotalEarned,
			WalletSpent:   w.TotalSpent,
			LedgerEarned:  sums.Earned,
			LedgerSpent:   sums.Spent,
		}
		rec.Drift = w.TotalEarned != sums.Earned || w.TotalSpent != sums.Spent || w.Balance != sums.Earned-sums.Spent

		if rec.Drift && repair {
			if err := tx.Model(&Wallet{}).Where("id = ?", w.ID).Updates(map[string]any{
				"balance":      sums.Earned - sums.Spent,
				"total_earned": sums.Earned,
				"total_spent":  sums.Spent,
				"updated_at":   s.now(),
			}).Error; err != nil {
				return fmt.Errorf("repair wallet %s: %w", w.ID, err)
			}
			rec.Repaired = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec.Drift {
		logger.FromContext(ctx).Warn("wallet drift detected",
			zap.String("user_id", userID),
			zap.Int64("wallet_balance", rec.WalletBalance),
			zap.Int64("ledger_balance", rec.LedgerEarned-rec.LedgerSpent),
			zap.Bool("repaired", rec.Repaired),
		)
	}
	return rec, nil
}
