package middleware

import (
	"context"
	"errors"
	"net/http"

	"smallbiznis-economy/pkg/errutil"
	"smallbiznis-economy/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error. BaseError keeps its own status and
// reason; anything else becomes a 500 without leaking the cause.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		err := last.Err
		var be errutil.BaseError
		switch {
		case errors.As(err, &be):
			if be.Code == errutil.StatusInternal {
				logger.FromContext(c.Request.Context()).Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
				be.Err = nil
			}
			c.JSON(be.Code.HTTPStatus(), be.JSON())
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, errutil.BaseError{Code: errutil.StatusGatewayTimeout, Message: "request timed out"}.JSON())
		default:
			logger.FromContext(c.Request.Context()).Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, errutil.BaseError{Code: errutil.StatusInternal, Reason: errutil.ReasonInternal, Message: "internal error"}.JSON())
		}
	}
}
