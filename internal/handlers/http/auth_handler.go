package http

import (
	"net/http"
	"strings"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/services"
	"ticksettle/pkg/errors"
	"ticksettle/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/login", h.Login)
		api.POST("/refresh", h.RefreshToken)
	}
}

// LoginRequest carries a wallet credential over the login call for Account
// and Nonce.
type LoginRequest struct {
	Account    string `json:"account" binding:"required,max=100"`
	Nonce      string `json:"nonce" binding:"required,max=128"`
	Credential string `json:"credential" binding:"required,max=4096"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Account = strings.TrimSpace(req.Account)
	if err := validation.ValidateAccountID(req.Account); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	origin := domain.Origin{Account: domain.AccountID(req.Account), Credential: req.Credential}
	tokens, err := h.authService.Login(c.Request.Context(), origin, req.Nonce)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid wallet credential", http.StatusUnauthorized))
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.Account)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":      claims.Account,
		"access_token": accessToken,
		"expires_in":   int(h.authService.AccessTokenTTL().Seconds()),
	})
}
