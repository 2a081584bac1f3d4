package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/frostdev-ops/trustgate/internal/config"
	"github.com/frostdev-ops/trustgate/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys populated from admin token claims
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

var errMissingBearer = errors.New("authorization header must be \"Bearer <token>\"")

// AdminAuth guards the admin API. With auth disabled every request passes.
func AdminAuth(cfg config.AuthConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	secret := []byte(cfg.JWTSecret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			utils.SendError(c, http.StatusUnauthorized, err.Error())
			c.Abort()
			return
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}); err != nil {
			utils.SendError(c, http.StatusUnauthorized, "Invalid token")
			c.Abort()
			return
		}

		if v, ok := claims[ContextUserID].(string); ok {
			c.Set(ContextUserID, v)
		}
		if v, ok := claims[ContextUsername].(string); ok {
			c.Set(ContextUsername, v)
		}
		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingBearer
	}
	return strings.TrimSpace(token), nil
}

// Actor names who made an admin change, for audit columns.
func Actor(c *gin.Context) string {
	if name := c.GetString(ContextUsername); name != "" {
		return name
	}
	if id := c.GetString(ContextUserID); id != "" {
		return id
	}
	return "admin"
}
