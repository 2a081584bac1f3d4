package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every admin endpoint answers with.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	Meta      interface{} `json:"meta,omitempty"`
}

// ErrorResponse is the failure envelope. RequestID echoes X-Request-ID so
// operators can find the matching log line; TrustLevel is present when the
// admission gate produced the rejection.
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       int    `json:"code"`
	Timestamp  string `json:"timestamp"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	RequestID  string `json:"request_id,omitempty"`
	TrustLevel string `json:"trust_level,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// ListMeta describes a paged or filtered list response.
type ListMeta struct {
	Count  int    `json:"count"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Since  string `json:"since,omitempty"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SendSuccess sends a 200 with data.
func SendSuccess(c *gin.Context, data interface{}) {
	SendStatus(c, http.StatusOK, data)
}

// SendStatus sends a successful envelope with a non-default status, e.g. 201.
func SendStatus(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success:   true,
		Data:      data,
		Timestamp: now(),
	})
}

// SendError sends the failure envelope. Headers already written by the
// trust gate (X-Trust-Level, Retry-After) are mirrored into the body.
func SendError(c *gin.Context, statusCode int, message string) {
	header := c.Writer.Header()
	c.JSON(statusCode, ErrorResponse{
		Success:    false,
		Error:      message,
		Code:       statusCode,
		Timestamp:  now(),
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		RequestID:  c.GetString("request_id"),
		TrustLevel: header.Get("X-Trust-Level"),
		RetryAfter: header.Get("Retry-After"),
	})
}

// SendSuccessWithMeta sends a 200 with data and list metadata.
func SendSuccessWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Meta:      meta,
		Timestamp: now(),
	})
}
