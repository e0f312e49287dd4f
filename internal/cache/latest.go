package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/langchou/busrelay/internal/models"
)

// DefaultDuration 快照有效期
const DefaultDuration = 5 * time.Second

// 合并后的单次重算时限
const recomputeTimeout = 10 * time.Second

// Source 快照来源
type Source interface {
	AllLatest(ctx context.Context) ([]*models.BusLocation, error)
}

// LatestCache 每车最新位置的短期缓存
type LatestCache struct {
	source   Source
	duration time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	snapshot   []*models.BusLocation
	computedAt time.Time
	valid      bool
	generation uint64 // 每次 Invalidate 递增

	group singleflight.Group
}

// NewLatestCache 创建缓存
func NewLatestCache(source Source, duration time.Duration, logger *zap.Logger) *LatestCache {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &LatestCache{
		source:   source,
		duration: duration,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "latest_cache")),
	}
}

// Get 返回快照，过期或被失效时从存储重新计算。
// 返回的切片是共享的，调用方不能修改
func (c *LatestCache) Get(ctx context.Context) ([]*models.BusLocation, error) {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.computedAt) < c.duration {
		snapshot := c.snapshot
		c.mu.Unlock()
		return snapshot, nil
	}
	gen := c.generation
	c.mu.Unlock()

	// 同一代内并发的未命中合并为一次查询。
	// 查询不随发起方取消，每个调用方只等待自己的 ctx
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recomputeTimeout)
		defer cancel()

		startedAt := c.now()
		locations, err := c.source.AllLatest(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// 查询期间发生过失效，结果不能进入缓存
		if c.generation == gen {
			c.snapshot = locations
			c.computedAt = startedAt
			c.valid = true
		}
		c.mu.Unlock()

		c.logger.Debug("Latest snapshot recomputed", zap.Int("count", len(locations)))
		return locations, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*models.BusLocation), nil
	}
}

// Invalidate 立即清空快照
func (c *LatestCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.snapshot = nil
	c.valid = false
}
