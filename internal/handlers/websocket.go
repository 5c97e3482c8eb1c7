package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/callsignal/internal/gateway"
	"github.com/mossy-p/callsignal/internal/middleware"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Signaling upgrades an authenticated request to a signaling connection and
// serves it until the socket closes. The token is checked before the upgrade.
func Signaling(secret string, gw *gateway.Gateway, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := middleware.TokenFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			return
		}
		claims, err := middleware.ParseToken(secret, tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("failed to upgrade connection", zap.String("user_id", claims.UserID), zap.Error(err))
			return
		}

		client := gateway.NewClient(conn, claims.UserID, claims.Name, log)
		gw.Serve(context.WithoutCancel(c.Request.Context()), client)
	}
}
