package http

import (
	"net/http"
	"time"

	"stagelink/internal/core/services"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService    services.AuthService
	accessTokenTTL time.Duration
}

func NewAuthHandler(authService services.AuthService, accessTokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		accessTokenTTL: accessTokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/auth/token", h.IssueToken)
}

type tokenRequest struct {
	Operator string `json:"operator" binding:"required,min=1,max=50"`
	Key      string `json:"key" binding:"required,max=128"`
}

// IssueToken exchanges the shared operator key for a bearer token used on
// the mutating room endpoints.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authService.IssueToken(req.Operator, req.Key)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.accessTokenTTL / time.Second),
	})
}
