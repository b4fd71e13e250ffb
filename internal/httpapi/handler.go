package httpapi

import (
	"context"
	"net/http"

	"smallbiznis-economy/pkg/db/pagination"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/health"
	"smallbiznis-economy/pkg/middleware"
	"smallbiznis-economy/services/economy"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		func(s *economy.Service) Economy { return s },
		NewRouter,
	),
)

// Economy is the part of the coordinator the HTTP surface exposes.
type Economy interface {
	ClaimDailyGift(ctx context.Context, userID string) (*economy.DailyGiftResult, error)
	RecordReaction(ctx context.Context, userID, reactionID string) (*economy.ReactionResult, error)
	Purchase(ctx context.Context, userID, listingID string, allowRepurchase bool) (*economy.PurchaseResult, error)
	ClaimReward(ctx context.Context, userID, rewardID string) (*economy.ClaimResult, error)
	Available(ctx context.Context, userID string) ([]reward.Available, error)
	Balance(ctx context.Context, userID string) (*ledger.Wallet, error)
	History(ctx context.Context, userID string, p pagination.Pagination) ([]*ledger.LedgerEntry, *pagination.PageInfo, error)
	Listings(ctx context.Context, userID string, page pagination.Page) ([]*shop.ListingView, bool, error)
	Library(ctx context.Context, userID string) ([]*shop.PurchaseRecord, error)
	Redeliver(ctx context.Context, userID, purchaseID string) (*shop.PurchaseRecord, error)
	Activities(ctx context.Context, userID string, limit int) ([]*economy.Activity, error)
}

type Params struct {
	fx.In
	Economy Economy
	Health  health.HealthService
}

type handler struct {
	economy Economy
}

type reactionRequest struct {
	ReactionID string `json:"reaction_id" binding:"required"`
}

type purchaseRequest struct {
	ListingID       string `json:"listing_id" binding:"required"`
	AllowRepurchase bool   `json:"allow_repurchase"`
}

type listingsQuery struct {
	UserID string `form:"user_id"`
	pagination.Page
}

type activitiesQuery struct {
	Limit int `form:"limit,default=20"`
}

// NewRouter builds the collaborator-facing HTTP API.
func NewRouter(p Params) http.Handler {
	h := &handler{economy: p.Economy}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		users := v1.Group("/users/:user_id")
		users.GET("/wallet", h.wallet)
		users.GET("/ledger", h.ledger)
		users.GET("/rewards", h.rewards)
		users.GET("/library", h.library)
		users.GET("/activities", h.activities)
		users.POST("/daily-gift", h.dailyGift)
		users.POST("/reactions", h.reaction)
		users.POST("/purchases", h.purchase)
		users.POST("/purchases/:purchase_id/redeliver", h.redeliver)
		users.POST("/rewards/:reward_id/claim", h.claimReward)

		v1.GET("/shop/listings", h.listings)
	}

	return r
}

func (h *handler) wallet(c *gin.Context) {
	w, err := h.economy.Balance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *handler) ledger(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	entries, page, err := h.economy.History(c.Request.Context(), c.Param("user_id"), p.Normalize())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": page})
}

func (h *handler) rewards(c *gin.Context) {
	out, err := h.economy.Available(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *handler) library(c *gin.Context) {
	out, err := h.economy.Library(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *handler) activities(c *gin.Context) {
	var q activitiesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid limit", err))
		return
	}

	out, err := h.economy.Activities(c.Request.Context(), c.Param("user_id"), q.Limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *handler) dailyGift(c *gin.Context) {
	res, err := h.economy.ClaimDailyGift(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) reaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("reaction_id is required", err))
		return
	}

	res, err := h.economy.RecordReaction(c.Request.Context(), c.Param("user_id"), req.ReactionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) purchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("listing_id is required", err))
		return
	}

	res, err := h.economy.Purchase(c.Request.Context(), c.Param("user_id"), req.ListingID, req.AllowRepurchase)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *handler) redeliver(c *gin.Context) {
	rec, err := h.economy.Redeliver(c.Request.Context(), c.Param("user_id"), c.Param("purchase_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) claimReward(c *gin.Context) {
	res, err := h.economy.ClaimReward(c.Request.Context(), c.Param("user_id"), c.Param("reward_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// listings prices for the requesting user's tier; without user_id the
// standard price applies.
func (h *handler) listings(c *gin.Context) {
	var q listingsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	views, more, err := h.economy.Listings(c.Request.Context(), q.UserID, q.Page.Normalize())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "has_more": more, "page": q.Page.Normalize().Number})
}
