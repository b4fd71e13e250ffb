package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"smallbiznis-economy/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func do(t *testing.T, err error) (int, errorBody) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Error())
	r.GET("/x", func(c *gin.Context) { _ = c.Error(err) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestDomainErrorKeepsStatusAndReason(t *testing.T) {
	code, body := do(t, fmt.Errorf("purchase: %w", errutil.ErrInsufficientFunds))
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, string(errutil.ReasonInsufficientFunds), body.Error.Reason)
}

func TestNotFound(t *testing.T) {
	code, body := do(t, errutil.NotFound("listing not found", nil))
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "listing not found", body.Error.Message)
}

func TestUnknownErrorIsHidden(t *testing.T) {
	code, body := do(t, errors.New("dial tcp 10.0.0.1:5432: connection refused"))
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "internal error", body.Error.Message)
}

func TestInternalBaseErrorDropsCause(t *testing.T) {
	code, body := do(t, errutil.Internal("ledger unavailable", errors.New("secret dsn")))
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "ledger unavailable", body.Error.Message)
}

func TestDeadline(t *testing.T) {
	code, _ := do(t, context.DeadlineExceeded)
	require.Equal(t, http.StatusGatewayTimeout, code)
}

func TestNoErrorPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Error())
	r.GET("/ok", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
