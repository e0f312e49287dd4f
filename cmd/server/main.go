package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/busrelay/internal/api/handlers"
	"github.com/langchou/busrelay/internal/cache"
	"github.com/langchou/busrelay/internal/config"
	"github.com/langchou/busrelay/internal/encoder"
	"github.com/langchou/busrelay/internal/filter"
	"github.com/langchou/busrelay/internal/middleware"
	"github.com/langchou/busrelay/internal/repository"
	"github.com/langchou/busrelay/internal/service"
	"github.com/langchou/busrelay/internal/session"
	"github.com/langchou/busrelay/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting busrelay", zap.String("port", cfg.ServerPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接存储
	store, err := repository.Open(ctx, cfg.StoreURL, cfg.Retention, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	// postgres 和内存存储需要后台清理过期记录，redis 与 mongo 由服务端过期
	if expirer, ok := store.(repository.Expirer); ok {
		go repository.RunExpiry(ctx, expirer, cfg.PurgeInterval, logger)
	}

	enc, err := encoder.New(cfg.CompressionLevel, logger)
	if err != nil {
		logger.Fatal("Failed to create encoder", zap.Error(err))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	sessions := session.NewTracker()

	relay := service.NewRelayService(
		logger,
		store,
		filter.New(cfg.MinDistanceDeg, cfg.MinInterval),
		cache.NewLatestCache(store, cfg.CacheDuration, logger),
		enc,
		wsHub,
		service.NewWhitelist(cfg.FleetStart, cfg.FleetSize),
	)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, relay, store, wsHub, sessions, handlers.Options{
		SendBuffer:      cfg.WSSendBuffer,
		PingInterval:    cfg.WSPingInterval,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	})

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	var apiMiddleware []gin.HandlerFunc
	if cfg.RateLimitPerWindow > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, logger)
		go limiter.Run(ctx)
		apiMiddleware = append(apiMiddleware, limiter.Handler())
	}

	// 注册路由
	handler.RegisterRoutes(router, apiMiddleware...)

	// 只压缩 /api 响应，WebSocket 升级不经过 gzip
	root, err := middleware.Gzip("/api/", router)
	if err != nil {
		logger.Fatal("Failed to create gzip handler", zap.Error(err))
	}

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 已升级的连接不受 Shutdown 管理，单独关闭
	wsHub.Close()
	cancel()

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}
