package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/models"
)

// ErrStoreUnavailable 底层存储不可达或写入失败
var ErrStoreUnavailable = errors.New("store unavailable")

// LocationStore 每辆车只保留一条当前位置记录的存储
type LocationStore interface {
	// Latest 返回该车最新的未过期记录，不存在时返回 nil, nil
	Latest(ctx context.Context, busID string) (*models.BusLocation, error)
	// Replace 原子地替换该车的记录并设置 CreatedAt。
	// 已存在观测时间更晚的记录时不写入，返回 false
	Replace(ctx context.Context, loc *models.BusLocation) (bool, error)
	// AllLatest 每辆车一条未过期记录
	AllLatest(ctx context.Context) ([]*models.BusLocation, error)
	Ping(ctx context.Context) error
	Close() error
}

// Expirer 需要周期清理过期记录的存储（postgres、memory）
type Expirer interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Open 根据连接串选择存储后端
func Open(ctx context.Context, storeURL string, retention time.Duration, logger *zap.Logger) (LocationStore, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	logger.Info("Opening location store", zap.String("backend", u.Scheme), zap.Duration("retention", retention))

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		db, err := New(ctx, storeURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return NewLocationRepository(db, retention), nil
	case "redis", "rediss":
		return NewRedisLocationRepository(ctx, storeURL, retention)
	case "mongodb", "mongodb+srv":
		return NewMongoLocationRepository(ctx, storeURL, retention)
	case "memory":
		return NewMemoryLocationRepository(retention, nil), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// RunExpiry 周期清理过期记录，直到 ctx 取消
func RunExpiry(ctx context.Context, e Expirer, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("Failed to purge expired locations", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Purged expired locations", zap.Int64("count", n))
			}
		}
	}
}
