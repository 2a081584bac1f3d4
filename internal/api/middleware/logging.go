package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// quietPaths are polled by probes and scrapers and only logged at debug.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// LoggingMiddleware writes one structured line per request, carrying the
// request id and the trust level the admission gate assigned.
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := logrus.Fields{
			"request_id":  getRequestID(c),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
			"status_code": status,
			"latency":     time.Since(start),
			"user_agent":  c.Request.UserAgent(),
		}
		if level, ok := c.Get(ContextTrustLevel); ok {
			fields["trust_level"] = fmt.Sprint(level)
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields["error_message"] = msg
		}

		entry := logger.WithFields(fields)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("HTTP Request")
		case status == http.StatusForbidden || status == http.StatusTooManyRequests:
			entry.Warn("HTTP Request denied")
		case quietPaths[path]:
			entry.Debug("HTTP Request")
		default:
			entry.Info("HTTP Request")
		}
	}
}
