package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"smallbiznis-economy/pkg/db/pagination"
	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/health"
	"smallbiznis-economy/services/economy"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type economyMock struct {
	wallets   map[string]*ledger.Wallet
	purchased []string
	claimErr  error
	lastPage  pagination.Page
	lastLimit int
}

func (m *economyMock) ClaimDailyGift(_ context.Context, userID string) (*economy.DailyGiftResult, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	return &economy.DailyGiftResult{Granted: 10, Wallet: m.wallets[userID]}, nil
}

func (m *economyMock) RecordReaction(_ context.Context, _ string, reactionID string) (*economy.ReactionResult, error) {
	return &economy.ReactionResult{Granted: 1}, nil
}

func (m *economyMock) Purchase(_ context.Context, userID, listingID string, _ bool) (*economy.PurchaseResult, error) {
	if listingID == "gone" {
		return nil, errutil.ErrListingInactive
	}
	m.purchased = append(m.purchased, userID+":"+listingID)
	return &economy.PurchaseResult{PurchaseResult: &shop.PurchaseResult{
		Record:    &shop.PurchaseRecord{ID: "p1", ListingID: listingID, PricePaid: 50},
		Balance:   50,
		Delivered: true,
	}}, nil
}

func (m *economyMock) ClaimReward(context.Context, string, string) (*economy.ClaimResult, error) {
	return nil, errutil.ErrRewardNotUnlocked
}

func (m *economyMock) Available(context.Context, string) ([]reward.Available, error) {
	return []reward.Available{{Reward: &reward.Definition{ID: "r1"}, Status: reward.StatusLocked}}, nil
}

func (m *economyMock) Balance(_ context.Context, userID string) (*ledger.Wallet, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return &ledger.Wallet{UserID: userID, Level: 1}, nil
	}
	return w, nil
}

func (m *economyMock) History(context.Context, string, pagination.Pagination) ([]*ledger.LedgerEntry, *pagination.PageInfo, error) {
	return []*ledger.LedgerEntry{{ID: "e1", Amount: 10}}, &pagination.PageInfo{}, nil
}

func (m *economyMock) Listings(_ context.Context, _ string, page pagination.Page) ([]*shop.ListingView, bool, error) {
	m.lastPage = page
	return []*shop.ListingView{{Listing: &shop.Listing{ID: "l1", BasePrice: 100}, EffectivePrice: 100}}, true, nil
}

func (m *economyMock) Library(context.Context, string) ([]*shop.PurchaseRecord, error) {
	return nil, nil
}

func (m *economyMock) Redeliver(_ context.Context, _ string, purchaseID string) (*shop.PurchaseRecord, error) {
	if purchaseID != "p1" {
		return nil, errutil.NotFound("purchase not found", nil)
	}
	return &shop.PurchaseRecord{ID: "p1", DeliveryStatus: shop.DeliveryDelivered}, nil
}

func (m *economyMock) Activities(_ context.Context, _ string, limit int) ([]*economy.Activity, error) {
	m.lastLimit = limit
	return nil, nil
}

func newRouter() (http.Handler, *economyMock) {
	m := &economyMock{wallets: map[string]*ledger.Wallet{"u1": {UserID: "u1", Balance: 40, Level: 1}}}
	return NewRouter(Params{Economy: m, Health: health.New()}), m
}

func call(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWallet(t *testing.T) {
	h, _ := newRouter()

	w := call(h, http.MethodGet, "/v1/users/u1/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var wallet ledger.Wallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	require.Equal(t, int64(40), wallet.Balance)
}

func TestPurchase(t *testing.T) {
	h, m := newRouter()

	w := call(h, http.MethodPost, "/v1/users/u1/purchases", purchaseRequest{ListingID: "l1"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, []string{"u1:l1"}, m.purchased)
}

func TestPurchaseValidationAndDomainErrors(t *testing.T) {
	h, _ := newRouter()

	w := call(h, http.MethodPost, "/v1/users/u1/purchases", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(h, http.MethodPost, "/v1/users/u1/purchases", purchaseRequest{ListingID: "gone"})
	require.Equal(t, errutil.ErrListingInactive.(errutil.BaseError).Code.HTTPStatus(), w.Code)
	require.Contains(t, w.Body.String(), string(errutil.ReasonListingInactive))
}

func TestClaimRewardNotUnlocked(t *testing.T) {
	h, _ := newRouter()

	w := call(h, http.MethodPost, "/v1/users/u1/rewards/r1/claim", nil)
	require.Contains(t, w.Body.String(), string(errutil.ReasonRewardNotUnlocked))
	require.NotEqual(t, http.StatusOK, w.Code)
}

func TestDailyGiftAlreadyClaimed(t *testing.T) {
	h, m := newRouter()
	m.claimErr = errutil.ErrAlreadyClaimedToday

	w := call(h, http.MethodPost, "/v1/users/u1/daily-gift", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestReactionRequiresID(t *testing.T) {
	h, _ := newRouter()

	require.Equal(t, http.StatusBadRequest, call(h, http.MethodPost, "/v1/users/u1/reactions", map[string]any{}).Code)
	require.Equal(t, http.StatusOK, call(h, http.MethodPost, "/v1/users/u1/reactions", reactionRequest{ReactionID: "m1"}).Code)
}

func TestListingsPaging(t *testing.T) {
	h, m := newRouter()

	w := call(h, http.MethodGet, "/v1/shop/listings?page=2&size=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, pagination.Page{Number: 2, Size: 5}, m.lastPage)

	var body struct {
		Data    []map[string]any `json:"data"`
		HasMore bool             `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.True(t, body.HasMore)
}

func TestRedeliverUnknownPurchase(t *testing.T) {
	h, _ := newRouter()

	require.Equal(t, http.StatusNotFound, call(h, http.MethodPost, "/v1/users/u1/purchases/p9/redeliver", nil).Code)
	require.Equal(t, http.StatusOK, call(h, http.MethodPost, "/v1/users/u1/purchases/p1/redeliver", nil).Code)
}

func TestActivitiesDefaultLimit(t *testing.T) {
	h, m := newRouter()

	require.Equal(t, http.StatusOK, call(h, http.MethodGet, "/v1/users/u1/activities", nil).Code)
	require.Equal(t, 20, m.lastLimit)
}

func TestOperationalEndpoints(t *testing.T) {
	h, _ := newRouter()

	require.Equal(t, http.StatusOK, call(h, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, call(h, http.MethodGet, "/readyz", nil).Code)

	w := call(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
