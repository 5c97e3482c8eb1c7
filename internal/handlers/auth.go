package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/callsignal/internal/middleware"
	"go.uber.org/zap"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username    string `json:"username" binding:"required,max=64"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName" binding:"max=100"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login issues a signaling token.
// For demo purposes, accepts any username/password combination
func Login(secret string, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userID := strings.TrimSpace(req.Username)
		name := strings.TrimSpace(req.DisplayName)
		if name == "" {
			name = userID
		}

		token, err := middleware.IssueToken(secret, userID, name, ttl)
		if err != nil {
			log.Error("failed to sign token", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			UserID:    userID,
			Name:      name,
			ExpiresAt: time.Now().Add(ttl),
		})
	}
}
