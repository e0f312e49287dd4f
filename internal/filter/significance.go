package filter

import (
	"math"
	"time"

	"github.com/langchou/busrelay/internal/models"
)

// 默认阈值
const (
	DefaultMinDistance = 0.0001          // 度，约 11 米
	DefaultMinInterval = 5 * time.Second // 距上次记录的最短间隔

	// 坐标以十进制小数上报，差值在浮点下可能略小于阈值
	distanceTolerance = 1e-9
)

// Filter 判断新上报是否足以替换上一条记录
type Filter struct {
	MinDistance float64
	MinInterval time.Duration
}

// New 创建过滤器，非正值回落到默认阈值
func New(minDistance float64, minInterval time.Duration) *Filter {
	if minDistance <= 0 {
		minDistance = DefaultMinDistance
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Filter{MinDistance: minDistance, MinInterval: minInterval}
}

// Accept 位移或时间差任一达到阈值即接受；没有上一条记录时总是接受
func (f *Filter) Accept(previous *models.BusLocation, candidate *models.BusLocation) bool {
	if previous == nil {
		return true
	}

	if Displacement(previous, candidate)+distanceTolerance >= f.MinDistance {
		return true
	}

	elapsed := time.Duration(candidate.Timestamp-previous.Timestamp) * time.Millisecond
	return elapsed >= f.MinInterval
}

// Displacement 两点间的平面距离（度）
// 车队活动范围小，平面近似足够
func Displacement(a, b *models.BusLocation) float64 {
	return math.Hypot(b.Latitude-a.Latitude, b.Longitude-a.Longitude)
}
