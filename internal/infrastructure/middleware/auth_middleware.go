package middleware

import (
	"net/http"
	"strings"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/services"
	"ticksettle/pkg/errors"
	"ticksettle/pkg/logger"

	"github.com/gin-gonic/gin"
)

const AccountKey = "account"

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// browsers cannot set headers on a websocket handshake
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(errors.ErrCodeUnauthorized),
		"message": message,
	})
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, "bearer token required")
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(AccountKey, claims.Account)
		c.Request = c.Request.WithContext(logger.WithAccount(c.Request.Context(), string(claims.Account)))
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(AccountKey, claims.Account)
			}
		}
		c.Next()
	}
}

// RequireSelfOrAccounts lets the request through when the session account is
// the :account path parameter or one of the privileged accounts.
func RequireSelfOrAccounts(param string, privileged ...domain.AccountID) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := AccountFromContext(c)
		if !ok {
			abortUnauthorized(c, "authentication required")
			return
		}
		if string(account) == c.Param(param) {
			c.Next()
			return
		}
		for _, p := range privileged {
			if account == p {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   string(errors.ErrCodeForbidden),
			"message": "insufficient permissions",
		})
	}
}

func AccountFromContext(c *gin.Context) (domain.AccountID, bool) {
	v, ok := c.Get(AccountKey)
	if !ok {
		return "", false
	}
	account, ok := v.(domain.AccountID)
	return account, ok && account != ""
}
