package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/services"
	"ticksettle/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newAuthRouter(t *testing.T) (*gin.Engine, services.AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", time.Minute, time.Hour, nil)

	router := gin.New()
	router.GET("/me", AuthMiddleware(auth), func(c *gin.Context) {
		account, _ := AccountFromContext(c)
		c.String(http.StatusOK, string(account))
	})
	router.GET("/accounts/:account", AuthMiddleware(auth), RequireSelfOrAccounts("account", "platform"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router, auth
}

func get(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	router, auth := newAuthRouter(t)

	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	w := get(router, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(router, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/me", "garbage").Code)

	refresh, err := auth.GenerateRefreshToken("alice")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(router, "/me", refresh).Code)

	w = get(router, "/me?access_token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireSelfOrAccounts(t *testing.T) {
	router, auth := newAuthRouter(t)

	alice, _ := auth.GenerateToken("alice")
	bob, _ := auth.GenerateToken("bob")
	platform, _ := auth.GenerateToken("platform")

	assert.Equal(t, http.StatusOK, get(router, "/accounts/alice", alice).Code)
	assert.Equal(t, http.StatusForbidden, get(router, "/accounts/alice", bob).Code)
	assert.Equal(t, http.StatusOK, get(router, "/accounts/alice", platform).Code)
}

func TestErrorHandlerMiddleware_MapsLedgerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/fail/:kind", func(c *gin.Context) {
		switch c.Param("kind") {
		case "economic":
			c.Error(fmt.Errorf("bill: %w", domain.ErrInsufficientBalance))
		case "missing":
			c.Error(domain.ErrStreamNotFound)
		case "invariant":
			c.Error(domain.ErrInvariantViolation)
		case "app":
			c.Error(errors.NewInvalidInputError("bad body"))
		}
	})

	cases := []struct {
		kind   string
		status int
		code   errors.ErrorCode
	}{
		{"economic", http.StatusPaymentRequired, errors.ErrCodePaymentDeclined},
		{"missing", http.StatusNotFound, errors.ErrCodeNotFound},
		{"invariant", http.StatusInternalServerError, errors.ErrCodeLedgerInvariant},
		{"app", http.StatusBadRequest, errors.ErrCodeInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			w := get(router, "/fail/"+tc.kind, "")
			assert.Equal(t, tc.status, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tc.code), body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	assert.Equal(t, http.StatusInternalServerError, get(router, "/panic", "").Code)
}
