package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	"github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/response"
)

const accountIDKey = "accountID"

// AuthMiddleware validates the Bearer token on account-facing routes and
// stores the account id (token subject) in both gin.Context and the request
// context.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := []byte(cfg.Auth.JWTSecret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, "missing bearer token"))
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, "invalid token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, "invalid token claims"))
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, "token has no subject"))
			return
		}

		c.Set(accountIDKey, sub)
		ctx := context.WithValue(c.Request.Context(), accountIDKey, sub)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// AccountID returns the authenticated account id set by AuthMiddleware.
func AccountID(c *gin.Context) string {
	if v, ok := c.Get(accountIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
