package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/frostdev-ops/trustgate/internal/database/repositories"
	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrorHandlingMiddleware recovers panics into a 500 response
func ErrorHandlingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		stack := strings.Split(string(debug.Stack()), "\n")
		if len(stack) > 12 {
			stack = stack[:12]
		}

		logger.WithFields(logrus.Fields{
			"request_id": getRequestID(c),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"panic":      fmt.Sprintf("%v", recovered),
			"stack":      stack,
		}).Error("Panic recovered")

		utils.SendError(c, http.StatusInternalServerError, "Internal server error")
		c.Abort()
	})
}

// ErrorResponseMiddleware turns errors attached with c.Error into the
// standard error envelope when the handler wrote nothing itself.
func ErrorResponseMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := StatusFor(err)

		entry := logger.WithFields(logrus.Fields{
			"request_id":  getRequestID(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": status,
		}).WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("API request error")
		} else {
			entry.Debug("API request rejected")
		}

		if !c.Writer.Written() {
			utils.SendError(c, status, publicMessage(err, status))
		}
	}
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case apperrors.IsAppError(err):
		return apperrors.GetStatusCode(err)
	case errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrDuplicate):
		return http.StatusConflict
	case apperrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error, status int) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}

	switch status {
	case http.StatusNotFound:
		return "Resource not found"
	case http.StatusConflict:
		return "Resource already exists"
	case http.StatusServiceUnavailable:
		return "Storage temporarily unavailable, try again later"
	default:
		return "An internal error occurred"
	}
}

func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("request_id"); requestID != "" {
		return requestID
	}
	return c.GetHeader("X-Request-ID")
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
