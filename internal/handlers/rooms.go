package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

// Version is reported by /api/info
var Version = "dev"

type RoomReader interface {
	GroupRooms(ctx context.Context) []models.RoomView
	Get(ctx context.Context, roomID string) (models.RoomView, error)
	Count() int
}

type UserLister interface {
	List() []models.User
	Count() int
}

// Pinger is a dependency whose connectivity /api/health reports
type Pinger interface {
	Ping(ctx context.Context) error
}

// API serves the read-only REST surface
type API struct {
	Rooms   RoomReader
	Users   UserLister
	Store   Pinger // nil when running without Redis
	Workers func() int
	Log     *zap.Logger
}

// statusFor maps an error kind onto an HTTP status
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	e := apperr.As(err)
	c.JSON(status, gin.H{"error": e.Message, "code": e.Code})
}

// ListRooms returns the active group rooms
func (a *API) ListRooms(c *gin.Context) {
	rooms := a.Rooms.GroupRooms(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
}

// GetRoom returns one room by id
func (a *API) GetRoom(c *gin.Context) {
	view, err := a.Rooms.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) OnlineUsers(c *gin.Context) {
	users := a.Users.List()
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// Health reports store connectivity and media capacity. A failed store ping
// degrades the answer to 503.
func (a *API) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	store := "disabled"

	if a.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.Store.Ping(ctx); err != nil {
			a.Log.Warn("health check: store unreachable", zap.Error(err))
			status, code, store = "degraded", http.StatusServiceUnavailable, "disconnected"
		} else {
			store = "connected"
		}
	}

	workers := 0
	if a.Workers != nil {
		workers = a.Workers()
	}

	c.JSON(code, gin.H{
		"status":       status,
		"redis":        store,
		"mediaWorkers": workers,
		"timestamp":    time.Now().UTC(),
	})
}

func (a *API) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "callsignal",
		"version":     Version,
		"onlineUsers": a.Users.Count(),
		"activeRooms": a.Rooms.Count(),
	})
}
