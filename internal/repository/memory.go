package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/langchou/busrelay/internal/models"
)

// MemoryLocationRepository 进程内存储，用于单机运行和测试
type MemoryLocationRepository struct {
	mu        sync.RWMutex
	locations map[string]*models.BusLocation
	retention time.Duration
	now       func() time.Time
}

// NewMemoryLocationRepository 创建内存仓库，now 为空时使用 time.Now
func NewMemoryLocationRepository(retention time.Duration, now func() time.Time) *MemoryLocationRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocationRepository{
		locations: make(map[string]*models.BusLocation),
		retention: retention,
		now:       now,
	}
}

func (r *MemoryLocationRepository) expired(loc *models.BusLocation, now time.Time) bool {
	return !loc.CreatedAt.After(now.Add(-r.retention))
}

// Latest 获取车辆最新位置
func (r *MemoryLocationRepository) Latest(ctx context.Context, busID string) (*models.BusLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loc, ok := r.locations[busID]
	if !ok || r.expired(loc, r.now()) {
		return nil, nil
	}
	copy := *loc
	return &copy, nil
}

// Replace 替换车辆位置
func (r *MemoryLocationRepository) Replace(ctx context.Context, loc *models.BusLocation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.locations[loc.BusID]; ok && !r.expired(existing, now) && existing.Timestamp > loc.Timestamp {
		return false, nil
	}

	loc.CreatedAt = now
	copy := *loc
	r.locations[loc.BusID] = &copy
	return true, nil
}

// AllLatest 所有车辆的未过期位置，按 bus_id 排序
func (r *MemoryLocationRepository) AllLatest(ctx context.Context) ([]*models.BusLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make([]*models.BusLocation, 0, len(r.locations))
	for _, loc := range r.locations {
		if r.expired(loc, now) {
			continue
		}
		copy := *loc
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BusID < result[j].BusID })
	return result, nil
}

// PurgeExpired 删除过期记录
func (r *MemoryLocationRepository) PurgeExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int64
	for id, loc := range r.locations {
		if r.expired(loc, now) {
			delete(r.locations, id)
			n++
		}
	}
	return n, nil
}

// Count 当前保存的记录数（含尚未清理的过期记录）
func (r *MemoryLocationRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locations)
}

func (r *MemoryLocationRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryLocationRepository) Close() error { return nil }
