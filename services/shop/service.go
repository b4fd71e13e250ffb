package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/access"
	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/db/option"
	"smallbiznis-economy/pkg/db/pagination"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/pkg/repository"
	"smallbiznis-economy/pkg/task"
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_shop_grants_total",
		Help: "Library grants, by access channel.",
	}, []string{"channel"})
	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "economy_shop_delivery_failures_total",
		Help: "Content deliveries that failed and were queued for retry.",
	})
)

// Deliverer hands a bundle's files to the user.
type Deliverer interface {
	Deliver(ctx context.Context, userID, bundleID string, references []string) error
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	ledger    *ledger.Service
	policy    *access.Policy
	deliverer Deliverer
	enqueuer  task.Enqueuer
	delivery  config.DeliveryConfig
	now       func() time.Time

	bundles   repository.Repository[ContentBundle]
	listings  repository.Repository[Listing]
	purchases repository.Repository[PurchaseRecord]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Ledger    *ledger.Service
	Policy    *access.Policy
	Config    *config.Config
	Deliverer Deliverer     `optional:"true"`
	Enqueuer  task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		ledger:    p.Ledger,
		policy:    p.Policy,
		deliverer: p.Deliverer,
		enqueuer:  p.Enqueuer,
		delivery:  p.Config.Economy.Delivery,
		now:       time.Now,

		bundles:   repository.ProvideStore[ContentBundle](p.DB),
		listings:  repository.ProvideStore[Listing](p.DB),
		purchases: repository.ProvideStore[PurchaseRecord](p.DB),
	}
}

// EffectivePrice is what role pays for the listing. Privileged users get the
// override price when one is set, otherwise the percentage discount.
func EffectivePrice(l *Listing, role identity.Role) int64 {
	if role.Normalize() != identity.RolePrivileged {
		return l.BasePrice
	}
	if l.PrivilegedPrice != nil {
		return *l.PrivilegedPrice
	}
	discount := min(max(l.PrivilegedDiscountPercent, 0), 100)
	return l.BasePrice * int64(100-discount) / 100
}

// Browse lists active listings cheapest first. Listings the role may not buy
// are included and marked restricted.
func (s *Service) Browse(ctx context.Context, role identity.Role, page pagination.Page) ([]*ListingView, bool, error) {
	page = page.Normalize()
	rows, err := s.listings.Find(ctx, &Listing{IsActive: true},
		func(db *gorm.DB) *gorm.DB { return db.Preload("Bundle") },
		option.WithSortBy(option.QuerySortBy{SortBy: "base_price", OrderBy: "asc", Allow: map[string]bool{"base_price": true}}),
		func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") },
		option.ApplyPage(page),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to browse listings", zap.Error(err))
		return nil, false, err
	}

	hasMore := len(rows) > page.Size
	if hasMore {
		rows = rows[:page.Size]
	}

	views := make([]*ListingView, 0, len(rows))
	for _, l := range rows {
		views = append(views, &ListingView{
			Listing:                  l,
			EffectivePrice:           EffectivePrice(l, role),
			StandardEffectivePrice:   EffectivePrice(l, identity.RoleStandard),
			PrivilegedEffectivePrice: EffectivePrice(l, identity.RolePrivileged),
			Restricted:               !s.policy.CanPurchase(role, l.TierRequirement),
		})
	}
	return views, hasMore, nil
}

// Purchase buys a listing. The spend, library record and purchase counter
// commit together; delivery runs afterwards and never undoes the purchase.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if req.UserID == "" || req.ListingID == "" {
		return nil, errutil.BadRequest("user_id and listing_id are required", nil)
	}
	log := logger.FromContext(ctx).With(zap.String("user_id", req.UserID), zap.String("listing_id", req.ListingID))

	listing, err := s.listings.FindOne(ctx, &Listing{ID: req.ListingID})
	if err != nil {
		log.Error("failed to load listing", zap.Error(err))
		return nil, err
	}
	if listing == nil {
		return nil, errutil.NotFound("listing not found", nil)
	}
	if !listing.IsActive {
		return nil, errutil.ErrListingInactive
	}

	role := req.Role.Normalize()
	if !s.policy.CanPurchase(role, listing.TierRequirement) {
		return nil, errutil.ErrTierRestricted
	}

	bundle, err := s.bundles.FindOne(ctx, &ContentBundle{ID: listing.ContentBundleID})
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, errutil.NotFound("content bundle not found", nil)
	}

	price := EffectivePrice(listing, role)
	result := &PurchaseResult{Listing: listing}
	var entry *ledger.LedgerEntry

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := s.nextSequence(ctx, tx, req.UserID, bundle.ID)
		if err != nil {
			return err
		}
		if seq > 1 && !(listing.AllowRepurchase || req.AllowRepurchase) {
			return errutil.ErrAlreadyOwned
		}

		rec := &PurchaseRecord{
			ID:              s.node.Generate().String(),
			UserID:          req.UserID,
			ContentBundleID: bundle.ID,
			Sequence:        seq,
			ListingID:       listing.ID,
			AccessChannel:   ChannelPurchase,
			PricePaid:       price,
			DeliveryStatus:  DeliveryPending,
		}
		rec.ReferenceID = "purchase:" + rec.ID

		if price > 0 {
			spent, err := s.ledger.SpendTx(ctx, tx, ledger.SpendRequest{
				UserID:      req.UserID,
				Amount:      price,
				Reason:      ledger.ReasonPurchase,
				ReferenceID: rec.ReferenceID,
				Description: listing.Title,
				Metadata:    map[string]any{"listing_id": listing.ID, "content_bundle_id": bundle.ID, "sequence": seq},
			})
			if err != nil {
				return err
			}
			entry = spent.Entry
			result.Balance = spent.Wallet.Balance
		}

		if err := s.purchases.WithTrx(tx).Create(ctx, rec); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.ErrAlreadyOwned
			}
			return err
		}

		if err := tx.WithContext(ctx).Model(&Listing{}).
			Where("id = ?", listing.ID).
			Update("purchase_count", gorm.Expr("purchase_count + 1")).Error; err != nil {
			return err
		}

		result.Record = rec
		return nil
	})
	if err != nil {
		if !errutil.IsDomain(err) {
			log.Error("purchase failed", zap.Error(err))
		}
		return nil, err
	}

	s.ledger.Observe(entry)
	purchasesTotal.WithLabelValues(string(ChannelPurchase)).Inc()
	listing.PurchaseCount++

	if price == 0 {
		if w, err := s.ledger.GetBalance(ctx, req.UserID); err == nil {
			result.Balance = w.Balance
		}
	}

	log.Info("purchase completed", zap.String("purchase_id", result.Record.ID), zap.Int64("price", price))
	result.Delivered = s.deliver(ctx, result.Record, bundle)
	return result, nil
}

func (s *Service) nextSequence(ctx context.Context, tx *gorm.DB, userID, bundleID string) (int, error) {
	var last int
	err := tx.WithContext(ctx).Model(&PurchaseRecord{}).
		Select("COALESCE(MAX(sequence), 0)").
		Where("user_id = ? AND content_bundle_id = ?", userID, bundleID).
		Scan(&last).Error
	return last + 1, err
}

// GrantTx adds a bundle to the user's library at no cost inside the
// caller's transaction and returns the purchase id.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, userID, bundleID, referenceID string) (string, error) {
	bundle, err := s.bundles.WithTrx(tx).FindOne(ctx, &ContentBundle{ID: bundleID})
	if err != nil {
		return "", err
	}
	if bundle == nil {
		return "", errutil.NotFound("content bundle not found", nil)
	}

	seq, err := s.nextSequence(ctx, tx, userID, bundleID)
	if err != nil {
		return "", err
	}

	rec := &PurchaseRecord{
		ID:              s.node.Generate().String(),
		UserID:          userID,
		ContentBundleID: bundleID,
		Sequence:        seq,
		AccessChannel:   ChannelReward,
		ReferenceID:     referenceID,
		DeliveryStatus:  DeliveryPending,
	}
	if err := s.purchases.WithTrx(tx).Create(ctx, rec); err != nil {
		return "", err
	}

	purchasesTotal.WithLabelValues(string(ChannelReward)).Inc()
	return rec.ID, nil
}

// DeliverPurchase delivers a committed grant, queueing a retry on failure.
func (s *Service) DeliverPurchase(ctx context.Context, purchaseID string) {
	rec, bundle, err := s.loadForDelivery(ctx, "", purchaseID)
	if err != nil {
		logger.FromContext(ctx).Error("failed to load purchase for delivery", zap.String("purchase_id", purchaseID), zap.Error(err))
		s.enqueueRedeliver(ctx, purchaseID)
		return
	}
	s.deliver(ctx, rec, bundle)
}

// deliver reports whether the content reached the user.
func (s *Service) deliver(ctx context.Context, rec *PurchaseRecord, bundle *ContentBundle) bool {
	if err := s.send(ctx, rec, bundle); err != nil {
		deliveryFailures.Inc()
		logger.FromContext(ctx).Warn("delivery failed, queueing retry",
			zap.String("purchase_id", rec.ID), zap.String("user_id", rec.UserID), zap.Error(err))
		s.enqueueRedeliver(ctx, rec.ID)
		return false
	}
	return true
}

func (s *Service) send(ctx context.Context, rec *PurchaseRecord, bundle *ContentBundle) error {
	var err error
	if s.deliverer == nil {
		err = errors.New("no deliverer configured")
	} else {
		callCtx := ctx
		if s.delivery.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.delivery.Timeout)
			defer cancel()
		}
		err = s.deliverer.Deliver(callCtx, rec.UserID, bundle.ID, bundle.References)
	}

	now := s.now()
	updates := map[string]any{
		"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
		"updated_at":        now,
	}
	if err != nil {
		updates["delivery_status"] = DeliveryFailed
		updates["last_error"] = err.Error()
	} else {
		updates["delivery_status"] = DeliveryDelivered
		updates["delivered_at"] = now
		updates["last_error"] = ""
	}
	if uerr := s.db.WithContext(ctx).Model(&PurchaseRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; uerr != nil {
		logger.FromContext(ctx).Error("failed to record delivery attempt", zap.String("purchase_id", rec.ID), zap.Error(uerr))
	}

	rec.DeliveryAttempts++
	if err != nil {
		rec.DeliveryStatus = DeliveryFailed
		rec.LastError = err.Error()
		return err
	}
	rec.DeliveryStatus = DeliveryDelivered
	rec.DeliveredAt = &now
	rec.LastError = ""
	return nil
}

type redeliverPayload struct {
	PurchaseID string `json:"purchase_id"`
}

func (s *Service) enqueueRedeliver(ctx context.Context, purchaseID string) {
	if s.enqueuer == nil {
		logger.FromContext(ctx).Error("redelivery dropped, no task queue", zap.String("purchase_id", purchaseID))
		return
	}
	t, err := task.NewJSONTask(taskname.ShopRedeliver, redeliverPayload{PurchaseID: purchaseID})
	if err != nil {
		return
	}

	opts := []asynq.Option{asynq.Queue(taskname.QueueDefault)}
	if s.delivery.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(s.delivery.MaxRetry))
	}
	if _, err := s.enqueuer.Enqueue(ctx, t, opts...); err != nil {
		logger.FromContext(ctx).Error("failed to enqueue redelivery", zap.String("purchase_id", purchaseID), zap.Error(err))
	}
}

func (s *Service) loadForDelivery(ctx context.Context, userID, purchaseID string) (*PurchaseRecord, *ContentBundle, error) {
	rec, err := s.purchases.FindOne(ctx, &PurchaseRecord{ID: purchaseID, UserID: userID})
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, errutil.NotFound("purchase not found", nil)
	}

	bundle, err := s.bundles.FindOne(ctx, &ContentBundle{ID: rec.ContentBundleID})
	if err != nil {
		return nil, nil, err
	}
	if bundle == nil {
		return nil, nil, errutil.NotFound("content bundle not found", nil)
	}
	return rec, bundle, nil
}

// Redeliver sends an owned bundle again. It does not charge the user.
func (s *Service) Redeliver(ctx context.Context, userID, purchaseID string) (*PurchaseRecord, error) {
	rec, bundle, err := s.loadForDelivery(ctx, userID, purchaseID)
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, rec, bundle); err != nil {
		return rec, fmt.Errorf("redeliver %s: %w", purchaseID, err)
	}
	return rec, nil
}

// HandleRedeliverTask retries a failed delivery; an error makes asynq back off.
func (s *Service) HandleRedeliverTask(ctx context.Context, t *asynq.Task) error {
	var p redeliverPayload
	if err := task.DecodePayload(t, &p); err != nil {
		return err
	}

	rec, err := s.purchases.FindOne(ctx, &PurchaseRecord{ID: p.PurchaseID})
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("purchase %s not found: %w", p.PurchaseID, asynq.SkipRetry)
	}
	if rec.DeliveryStatus == DeliveryDelivered {
		return nil
	}

	_, err = s.Redeliver(ctx, rec.UserID, rec.ID)
	return err
}

// Owned returns the user's library, newest first.
func (s *Service) Owned(ctx context.Context, userID string) ([]*PurchaseRecord, error) {
	return s.purchases.Find(ctx, &PurchaseRecord{UserID: userID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}))
}

func (s *Service) CreateBundle(ctx context.Context, req CreateBundleRequest) (*ContentBundle, error) {
	if req.Name == "" {
		return nil, errutil.BadRequest("name is required", nil)
	}
	name := req.Slug
	if name == "" {
		name = req.Name
	}

	b := &ContentBundle{
		ID:          s.node.Generate().String(),
		Slug:        slug.Make(name),
		Name:        req.Name,
		Description: req.Description,
		ContentType: req.ContentType,
		Category:    req.Category,
		References:  req.References,
	}
	if err := s.bundles.Create(ctx, b); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict(fmt.Sprintf("bundle %q already exists", b.Slug), err)
		}
		return nil, err
	}
	return b, nil
}

func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	if req.Title == "" {
		return nil, errutil.BadRequest("title is required", nil)
	}
	if req.BasePrice < 0 || (req.PrivilegedPrice != nil && *req.PrivilegedPrice < 0) {
		return nil, errutil.ErrInvalidAmount
	}
	if req.PrivilegedDiscountPercent < 0 || req.PrivilegedDiscountPercent > 100 {
		return nil, errutil.BadRequest("privileged_discount_percent must be within 0..100", nil)
	}
	switch identity.Role(req.TierRequirement) {
	case "", identity.RoleStandard, identity.RolePrivileged:
	default:
		return nil, errutil.BadRequest(fmt.Sprintf("unknown tier %q", req.TierRequirement), nil)
	}

	bundle, err := s.bundles.FindOne(ctx, &ContentBundle{ID: req.ContentBundleID})
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, errutil.NotFound("content bundle not found", nil)
	}

	name := req.Slug
	if name == "" {
		name = req.Title
	}
	l := &Listing{
		ID:                        s.node.Generate().String(),
		Slug:                      slug.Make(name),
		Title:                     req.Title,
		ContentBundleID:           bundle.ID,
		BasePrice:                 req.BasePrice,
		PrivilegedDiscountPercent: req.PrivilegedDiscountPercent,
		PrivilegedPrice:           req.PrivilegedPrice,
		TierRequirement:           req.TierRequirement,
		AllowRepurchase:           req.AllowRepurchase,
		IsActive:                  true,
	}
	if err := s.listings.Create(ctx, l); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict(fmt.Sprintf("listing %q already exists", l.Slug), err)
		}
		return nil, err
	}
	return l, nil
}

func (s *Service) SetListingActive(ctx context.Context, listingID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&Listing{}).
		Where("id = ?", listingID).
		Updates(map[string]any{"is_active": active, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("listing not found", nil)
	}
	return nil
}
