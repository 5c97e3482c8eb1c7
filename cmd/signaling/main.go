package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/callsignal/config"
	"github.com/mossy-p/callsignal/internal/call"
	"github.com/mossy-p/callsignal/internal/gateway"
	"github.com/mossy-p/callsignal/internal/handlers"
	"github.com/mossy-p/callsignal/internal/history"
	"github.com/mossy-p/callsignal/internal/logger"
	"github.com/mossy-p/callsignal/internal/media"
	"github.com/mossy-p/callsignal/internal/metrics"
	"github.com/mossy-p/callsignal/internal/middleware"
	"github.com/mossy-p/callsignal/internal/presence"
	"github.com/mossy-p/callsignal/internal/redis"
	"github.com/mossy-p/callsignal/internal/room"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "callsignal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()

	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	for _, w := range cfg.Warnings {
		log.Warn("config: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	store := redis.NewStore(rdb, cfg.Redis.SnapshotTTL)
	log.Info("redis connection established", zap.String("addr", cfg.Redis.Addr()))

	var recorder history.Recorder = history.Nop{}
	var pg *history.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = history.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		recorder = pg
		log.Info("call history enabled")
	}

	engine, err := media.NewLocalEngine(media.Config{
		NumWorkers:  cfg.Media.NumWorkers,
		MinPort:     cfg.Media.MinPort,
		MaxPort:     cfg.Media.MaxPort,
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
	}, log)
	if err != nil {
		return fmt.Errorf("start media engine: %w", err)
	}
	defer engine.Close()

	hub := gateway.NewHub(log)
	bridge := gateway.NewMediaBridge(engine, log)
	users := presence.NewRegistry(store, log)
	rooms := room.NewManager(room.Config{
		MaxGroupParticipants: cfg.Room.MaxGroupParticipants,
		HostGracePeriod:      cfg.Room.HostGracePeriod,
		EnableHostless:       cfg.Room.EnableHostless,
	}, store, bridge, users, hub, log)
	calls := call.NewNegotiator(call.Config{
		Timeout:   cfg.Call.Timeout,
		Retention: cfg.Call.Retention,
	}, users, rooms, hub, log)
	m := metrics.New(metrics.Gauges{
		OnlineUsers:  users.Count,
		ActiveRooms:  rooms.Count,
		PendingCalls: calls.PendingCount,
	})
	gw := gateway.New(gateway.Deps{
		Hub:      hub,
		Presence: users,
		Calls:    calls,
		Rooms:    rooms,
		Media:    bridge,
		History:  recorder,
		Metrics:  m,
		Log:      log,
	})

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	api := &handlers.API{Rooms: rooms, Users: users, Store: store, Workers: bridge.WorkerCount, Log: log}
	router.GET("/health", api.Health)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", api.Health)
		apiGroup.GET("/info", api.Info)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret, cfg.TokenTTL, log))

		authed := apiGroup.Group("", middleware.JWTAuth(cfg.JWTSecret))
		authed.GET("/rooms", api.ListRooms)
		authed.GET("/rooms/:roomId", api.GetRoom)
		authed.GET("/users/online", api.OnlineUsers)
	}

	// WebSocket signaling endpoint
	router.GET("/ws", handlers.Signaling(cfg.JWTSecret, gw, log))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting signaling server", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		calls.Run(gctx, cfg.Call.SweepInterval)
		return nil
	})
	g.Go(func() error {
		gw.RunGraceSweep(gctx, cfg.Room.GraceCheckInterval)
		return nil
	})
	if pg != nil {
		g.Go(func() error { return pg.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}
