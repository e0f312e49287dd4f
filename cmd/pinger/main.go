package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/busrelay/internal/config"
	"github.com/langchou/busrelay/internal/models"
	"github.com/langchou/busrelay/internal/pinger"
)

func main() {
	cfg, err := config.LoadPinger()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pinger.New(pinger.Config{
		URL:            cfg.URL,
		BusID:          cfg.BusID,
		Interval:       cfg.Interval,
		ReconnectDelay: cfg.ReconnectDelay,
		Latitude:       cfg.Latitude,
		Longitude:      cfg.Longitude,
		Step:           cfg.Step,
		Status:         models.BusStatus(cfg.Status),
		Issue:          cfg.Issue,
	}, logger)

	logger.Info("Starting pinger", zap.String("url", cfg.URL), zap.String("bus_id", cfg.BusID))
	if err := p.Run(ctx); err != nil {
		logger.Error("Pinger stopped", zap.Error(err))
	}
	logger.Info("Pinger exited")
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
