package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/db/option"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/pkg/repository"
	"smallbiznis-economy/pkg/task"
	"smallbiznis-economy/pkg/taskname"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/streak"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	unlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_rewards_unlocked_total",
		Help: "Rewards moved to unlocked, by reward type.",
	}, []string{"type"})
	claimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_rewards_claimed_total",
		Help: "Rewards claimed, by reward type.",
	}, []string{"type"})
)

// ContentGranter adds a content bundle to a user's library inside the claim
// transaction and delivers it once the transaction committed.
type ContentGranter interface {
	GrantTx(ctx context.Context, tx *gorm.DB, userID, bundleID, referenceID string) (string, error)
	DeliverPurchase(ctx context.Context, purchaseID string)
}

// SubscriptionExtender lengthens a user's premium subscription.
type SubscriptionExtender interface {
	Extend(ctx context.Context, userID string, d time.Duration) error
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	streaks  *streak.Service
	identity identity.Resolver
	content  ContentGranter
	extender SubscriptionExtender
	enqueuer task.Enqueuer
	cfg      config.RewardConfig
	loc      *time.Location
	now      func() time.Time

	index       *CatalogIndex
	definitions repository.Repository[Definition]
	states      repository.Repository[UserState]
	facts       repository.Repository[Fact]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Streaks  *streak.Service
	Identity identity.Resolver
	Config   *config.Config
	Content  ContentGranter       `optional:"true"`
	Extender SubscriptionExtender `optional:"true"`
	Enqueuer task.Enqueuer        `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		streaks:  p.Streaks,
		identity: p.Identity,
		content:  p.Content,
		extender: p.Extender,
		enqueuer: p.Enqueuer,
		cfg:      p.Config.Economy.Reward,
		loc:      p.Config.Economy.Location(),
		now:      time.Now,

		definitions: repository.ProvideStore[Definition](p.DB),
		states:      repository.ProvideStore[UserState](p.DB),
		facts:       repository.ProvideStore[Fact](p.DB),
	}
	s.index = NewCatalogIndex(p.Config.Economy.Reward.IndexTTL, s.loadCatalog)
	return s
}

func (s *Service) loadCatalog(ctx context.Context) ([]*Definition, error) {
	return s.definitions.Find(ctx, &Definition{IsActive: true}, withConditions)
}

func withConditions(db *gorm.DB) *gorm.DB {
	return db.Preload("Conditions", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	})
}

// RecordFact marks a first-occurrence fact. It reports true only for the
// call that wrote it.
func (s *Service) RecordFact(ctx context.Context, userID string, kind ConditionType) (bool, error) {
	if !kind.IsFact() {
		return false, errutil.BadRequest(fmt.Sprintf("%s is not a fact", kind), nil)
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Fact{UserID: userID, Kind: kind, OccurredAt: s.now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Snapshot gathers the user data conditions are evaluated against.
func (s *Service) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	snap, _, err := s.snapshot(ctx, userID)
	return snap, err
}

func (s *Service) snapshot(ctx context.Context, userID string) (*Snapshot, map[string]*UserState, error) {
	wallet, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	rec, err := s.streaks.Get(ctx, userID, streak.TypeDailyGift)
	if err != nil {
		return nil, nil, err
	}

	who, err := s.identity.Resolve(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	facts, err := s.facts.Find(ctx, &Fact{UserID: userID})
	if err != nil {
		return nil, nil, err
	}

	states, err := s.states.Find(ctx, &UserState{UserID: userID})
	if err != nil {
		return nil, nil, err
	}

	snap := &Snapshot{
		UserID:       userID,
		StreakLength: s.streaks.EffectiveLength(rec, s.now()),
		TotalEarned:  wallet.TotalEarned,
		TotalSpent:   wallet.TotalSpent,
		Level:        wallet.Level,
		Privileged:   who.Privileged(),
		Facts:        make(map[ConditionType]bool, len(facts)),
		Claimed:      make(map[string]bool),
	}
	for _, f := range facts {
		snap.Facts[f.Kind] = true
	}

	byReward := make(map[string]*UserState, len(states))
	for _, st := range states {
		byReward[st.RewardID] = st
		if st.ClaimCount > 0 {
			snap.Claimed[st.RewardID] = true
		}
	}
	return snap, byReward, nil
}

// CheckOnEvent evaluates the rewards the event may affect and unlocks the
// ones the user now qualifies for. A reward is reported at most once per
// unlock; repeatable rewards unlock again only after their cooldown.
func (s *Service) CheckOnEvent(ctx context.Context, userID string, event EventType) ([]Unlocked, error) {
	log := logger.FromContext(ctx).With(zap.String("user_id", userID), zap.String("event", string(event)))

	candidates, err := s.index.Candidates(ctx, event)
	if err != nil {
		log.Error("failed to load reward catalog", zap.Error(err))
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	snap, states, err := s.snapshot(ctx, userID)
	if err != nil {
		log.Error("failed to build snapshot", zap.Error(err))
		return nil, err
	}

	now := s.now().UTC()
	var out []Unlocked
	for _, def := range candidates {
		if !Evaluate(def, snap) {
			continue
		}
		st, err := s.unlock(ctx, def, states[def.ID], userID, now)
		if err != nil {
			log.Error("failed to unlock reward", zap.String("reward_id", def.ID), zap.Error(err))
			continue
		}
		if st == nil {
			continue
		}
		unlockedTotal.WithLabelValues(string(def.Type)).Inc()
		out = append(out, Unlocked{Reward: def, State: st})
	}

	if len(out) > 0 {
		log.Info("rewards unlocked", zap.Int("count", len(out)))
	}
	return out, nil
}

// unlock moves the user's state to unlocked. It returns nil when the reward
// is already unlocked, spent, or another caller won the transition.
func (s *Service) unlock(ctx context.Context, def *Definition, st *UserState, userID string, now time.Time) (*UserState, error) {
	var expiresAt *time.Time
	if w := def.ClaimWindow(); w > 0 {
		t := now.Add(w)
		expiresAt = &t
	}

	if st == nil {
		row := &UserState{
			ID:         s.node.Generate().String(),
			UserID:     userID,
			RewardID:   def.ID,
			Status:     StatusUnlocked,
			UnlockedAt: &now,
			ExpiresAt:  expiresAt,
		}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}, {Name: "reward_id"}}, DoNothing: true}).
			Create(row)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return row, nil
	}

	status := st.Status
	if status == StatusUnlocked && st.ExpiresAt != nil && now.After(*st.ExpiresAt) {
		// window lapsed before the expiry sweep flipped the row
		status = StatusExpired
	}

	switch status {
	case StatusLocked:
	case StatusClaimed, StatusExpired:
		if !def.IsRepeatable {
			return nil, nil
		}
		since := st.LastClaimedAt
		if status == StatusExpired {
			since = st.ExpiresAt
		}
		if since != nil && now.Before(since.Add(def.Cooldown())) {
			return nil, nil
		}
	default:
		return nil, nil
	}

	res := s.db.WithContext(ctx).Model(&UserState{}).
		Where("id = ? AND status = ? AND claim_count = ?", st.ID, st.Status, st.ClaimCount).
		Updates(map[string]any{
			"status":      StatusUnlocked,
			"unlocked_at": now,
			"expires_at":  expiresAt,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	st.Status = StatusUnlocked
	st.UnlockedAt = &now
	st.ExpiresAt = expiresAt
	return st, nil
}

// Claim grants an unlocked reward exactly once per unlock.
func (s *Service) Claim(ctx context.Context, userID, rewardID string) (*ClaimResult, error) {
	log := logger.FromContext(ctx).With(zap.String("user_id", userID), zap.String("reward_id", rewardID))

	def, err := s.definitions.FindOne(ctx, &Definition{ID: rewardID})
	if err != nil {
		log.Error("failed to load reward", zap.Error(err))
		return nil, err
	}
	if def == nil || !def.IsActive {
		return nil, errutil.NotFound("reward not found", nil)
	}

	value, err := def.DecodeValue()
	if err != nil {
		return nil, errutil.Internal("invalid reward value", err)
	}

	now := s.now().UTC()
	var (
		result  *ClaimResult
		entry   *ledger.LedgerEntry
		expired bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := s.states.WithTrx(tx).FindOne(ctx, &UserState{UserID: userID, RewardID: rewardID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if st == nil {
			return errutil.ErrRewardNotUnlocked
		}

		switch st.Status {
		case StatusUnlocked:
		case StatusClaimed:
			if def.IsRepeatable {
				return errutil.ErrRewardNotUnlocked
			}
			return errutil.ErrAlreadyClaimed
		case StatusExpired:
			return errutil.ErrRewardExpired
		default:
			return errutil.ErrRewardNotUnlocked
		}

		if st.ExpiresAt != nil && now.After(*st.ExpiresAt) {
			expired = true
			return tx.WithContext(ctx).Model(&UserState{}).
				Where("id = ? AND status = ?", st.ID, StatusUnlocked).
				Updates(map[string]any{"status": StatusExpired, "updated_at": now}).Error
		}

		res := tx.WithContext(ctx).Model(&UserState{}).
			Where("id = ? AND status = ? AND claim_count = ?", st.ID, StatusUnlocked, st.ClaimCount).
			Updates(map[string]any{
				"status":          StatusClaimed,
				"claimed_at":      now,
				"last_claimed_at": now,
				"claim_count":     gorm.Expr("claim_count + 1"),
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.ErrAlreadyClaimed
		}

		st.Status = StatusClaimed
		st.ClaimedAt = &now
		st.LastClaimedAt = &now
		st.ClaimCount++
		result = &ClaimResult{Reward: def, State: st}

		reference := fmt.Sprintf("reward:%s:%d", def.ID, st.ClaimCount)
		switch def.Type {
		case TypeCurrency:
			entry, err = s.grantCurrency(ctx, tx, userID, def, value.Amount, reference, result)
			return err
		case TypeContent:
			if s.content == nil {
				return errutil.Internal("content rewards are not configured", nil)
			}
			result.PurchaseID, err = s.content.GrantTx(ctx, tx, userID, def.ContentBundleID, reference)
			return err
		case TypeSubscription:
			days := value.Days
			if s.cfg.MaxSubscriptionDays > 0 && days > s.cfg.MaxSubscriptionDays {
				days = s.cfg.MaxSubscriptionDays
			}
			result.SubscriptionDays = max(days, 0)
		}
		return nil
	})
	if expired && err == nil {
		err = errutil.ErrRewardExpired
	}
	if err != nil {
		if !errutil.IsDomain(err) {
			log.Error("failed to claim reward", zap.Error(err))
		}
		return nil, err
	}

	s.ledger.Observe(entry)
	if result.PurchaseID != "" {
		s.content.DeliverPurchase(ctx, result.PurchaseID)
	}
	if result.SubscriptionDays > 0 {
		result.ExtensionPending = s.extend(ctx, userID, def.ID, result.SubscriptionDays)
	}

	claimedTotal.WithLabelValues(string(def.Type)).Inc()
	log.Info("reward claimed", zap.String("type", string(def.Type)), zap.Int64("granted", result.Granted))
	return result, nil
}

// grantCurrency credits the reward amount clamped to the per-claim maximum
// and to what is left of the user's daily reward allowance.
func (s *Service) grantCurrency(ctx context.Context, tx *gorm.DB, userID string, def *Definition, amount int64, reference string, result *ClaimResult) (*ledger.LedgerEntry, error) {
	if s.cfg.MaxCurrencyGrant > 0 && amount > s.cfg.MaxCurrencyGrant {
		amount = s.cfg.MaxCurrencyGrant
	}

	if s.cfg.DailyCurrencyCap > 0 {
		// serialise reward grants of this user so the sum below stays current
		if _, err := s.ledger.LockWalletTx(ctx, tx, userID); err != nil {
			return nil, err
		}
		already, err := s.ledger.SumSince(ctx, tx, userID, ledger.ReasonReward, s.startOfDay(s.now()))
		if err != nil {
			return nil, err
		}
		headroom := s.cfg.DailyCurrencyCap - already
		if headroom <= 0 {
			return nil, errutil.ErrRewardCapExceeded
		}
		amount = min(amount, headroom)
	}

	if amount <= 0 {
		return nil, nil
	}

	res, err := s.ledger.EarnTx(ctx, tx, ledger.EarnRequest{
		UserID:      userID,
		Amount:      amount,
		Reason:      ledger.ReasonReward,
		ReferenceID: reference,
		Description: def.Name,
		Metadata:    map[string]any{"reward_id": def.ID, "reward_code": def.Code},
	})
	if err != nil {
		return nil, err
	}
	result.Granted = amount
	return res.Entry, nil
}

func (s *Service) startOfDay(t time.Time) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

type extendPayload struct {
	UserID   string `json:"user_id"`
	RewardID string `json:"reward_id"`
	Days     int    `json:"days"`
}

// extend calls the subscription service after commit. Failures are queued
// for retry; it reports whether the extension is still pending.
func (s *Service) extend(ctx context.Context, userID, rewardID string, days int) bool {
	log := logger.FromContext(ctx).With(zap.String("user_id", userID), zap.String("reward_id", rewardID))
	if s.extender == nil {
		log.Warn("no subscription extender configured")
		return s.enqueueExtend(ctx, userID, rewardID, days)
	}

	callCtx := ctx
	if s.cfg.ExtendTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.ExtendTimeout)
		defer cancel()
	}

	if err := s.extender.Extend(callCtx, userID, time.Duration(days)*24*time.Hour); err != nil {
		log.Warn("subscription extension failed, queueing retry", zap.Error(err))
		return s.enqueueExtend(ctx, userID, rewardID, days)
	}
	return false
}

func (s *Service) enqueueExtend(ctx context.Context, userID, rewardID string, days int) bool {
	if s.enqueuer == nil {
		logger.FromContext(ctx).Error("subscription extension dropped, no task queue", zap.String("user_id", userID))
		return false
	}
	t, err := task.NewJSONTask(taskname.RewardExtendRetry, extendPayload{UserID: userID, RewardID: rewardID, Days: days})
	if err != nil {
		return false
	}
	if _, err := s.enqueuer.Enqueue(ctx, t, asynq.Queue(taskname.QueueDefault), asynq.MaxRetry(10)); err != nil {
		logger.FromContext(ctx).Error("failed to enqueue subscription retry", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return true
}

// HandleExtendRetryTask retries a subscription extension; returning an error
// lets the queue back off and try again.
func (s *Service) HandleExtendRetryTask(ctx context.Context, t *asynq.Task) error {
	var p extendPayload
	if err := task.DecodePayload(t, &p); err != nil {
		return err
	}
	if s.extender == nil {
		return fmt.Errorf("no subscription extender configured")
	}
	return s.extender.Extend(ctx, p.UserID, time.Duration(p.Days)*24*time.Hour)
}

// ListAvailable lists active rewards with the user's status. Secret rewards
// stay hidden until unlocked.
func (s *Service) ListAvailable(ctx context.Context, userID string) ([]Available, error) {
	defs, err := s.definitions.Find(ctx, &Definition{IsActive: true}, withConditions,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
	if err != nil {
		return nil, err
	}

	states, err := s.states.Find(ctx, &UserState{UserID: userID})
	if err != nil {
		return nil, err
	}
	byReward := make(map[string]*UserState, len(states))
	for _, st := range states {
		byReward[st.RewardID] = st
	}

	now := s.now().UTC()
	out := make([]Available, 0, len(defs))
	for _, def := range defs {
		st := byReward[def.ID]
		status := StatusLocked
		if st != nil {
			status = st.Status
			if status == StatusUnlocked && st.ExpiresAt != nil && now.After(*st.ExpiresAt) {
				status = StatusExpired
			}
		}
		if def.IsSecret && status == StatusLocked {
			continue
		}
		out = append(out, Available{Reward: def, Status: status, State: st})
	}
	return out, nil
}

// ExpireStale flips unlocked rewards past their claim window to expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&UserState{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", StatusUnlocked, now).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now})
	if res.Error != nil {
		logger.FromContext(ctx).Error("reward expiry failed", zap.Error(res.Error))
		return 0, res.Error
	}
	logger.FromContext(ctx).Info("reward expiry finished", zap.Int64("expired", res.RowsAffected))
	return res.RowsAffected, nil
}

// CreateReward adds a reward definition with its conditions.
func (s *Service) CreateReward(ctx context.Context, req CreateRewardRequest) (*Definition, error) {
	if req.Name == "" {
		return nil, errutil.BadRequest("name is required", nil)
	}
	if !req.Type.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown reward type %q", req.Type), nil)
	}
	if req.Type == TypeContent && req.ContentBundleID == "" {
		return nil, errutil.BadRequest("content rewards need a content_bundle_id", nil)
	}
	if req.Value.Amount < 0 || req.Value.Days < 0 {
		return nil, errutil.ErrInvalidAmount
	}

	code := req.Code
	if code == "" {
		code = req.Name
	}

	value, err := json.Marshal(req.Value)
	if err != nil {
		return nil, errutil.BadRequest("invalid reward value", err)
	}

	def := &Definition{
		ID:                 s.node.Generate().String(),
		Code:               slug.Make(code),
		Name:               req.Name,
		Description:        req.Description,
		Type:               req.Type,
		Value:              datatypes.JSON(value),
		IsRepeatable:       req.IsRepeatable,
		CooldownSeconds:    int64(req.Cooldown / time.Second),
		IsSecret:           req.IsSecret,
		IsActive:           true,
		ClaimWindowSeconds: int64(req.ClaimWindow / time.Second),
		ContentBundleID:    req.ContentBundleID,
	}
	for i, c := range req.Conditions {
		if !c.Type.Valid() {
			return nil, errutil.BadRequest(fmt.Sprintf("unknown condition type %q", c.Type), nil)
		}
		def.Conditions = append(def.Conditions, Condition{
			ID:        s.node.Generate().String(),
			RewardID:  def.ID,
			Position:  i,
			Type:      c.Type,
			Threshold: c.Threshold,
			Group:     max(c.Group, 0),
		})
	}

	if err := s.definitions.Create(ctx, def); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict(fmt.Sprintf("reward code %q already exists", def.Code), err)
		}
		logger.FromContext(ctx).Error("failed to create reward", zap.Error(err))
		return nil, err
	}

	s.index.Invalidate()
	return def, nil
}

// SetActive enables or disables a reward.
func (s *Service) SetActive(ctx context.Context, rewardID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&Definition{}).
		Where("id = ?", rewardID).
		Updates(map[string]any{"is_active": active, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("reward not found", nil)
	}
	s.index.Invalidate()
	return nil
}

// Get returns a reward with its conditions ordered by position.
func (s *Service) Get(ctx context.Context, rewardID string) (*Definition, error) {
	def, err := s.definitions.FindOne(ctx, &Definition{ID: rewardID}, withConditions)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, errutil.NotFound("reward not found", nil)
	}
	sort.SliceStable(def.Conditions, func(i, j int) bool { return def.Conditions[i].Position < def.Conditions[j].Position })
	return def, nil
}
