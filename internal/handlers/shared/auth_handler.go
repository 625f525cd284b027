package handlers

import (
	"time"

	"gotow/internal/utils"
	"gotow/internal/validators"
	"gotow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues tokens for local development. Production tokens come
// from the identity service that shares JWT_SECRET.
type AuthHandler struct {
	secret string
	ttl    time.Duration
	logger *logger.Logger
}

func NewAuthHandler(secret string, ttl time.Duration, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		secret: secret,
		ttl:    ttl,
		logger: log,
	}
}

func (h *AuthHandler) IssueDevToken(c *gin.Context) {
	var req validators.DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	token, err := utils.GenerateAccessToken(req.UserID, req.UserType, req.Name, h.secret, h.ttl)
	if err != nil {
		h.logger.WithError(err).Error("Failed to sign token")
		utils.InternalServerErrorResponse(c)
		return
	}

	utils.SuccessResponse(c, "Token issued", gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.ttl.Seconds()),
	})
}
