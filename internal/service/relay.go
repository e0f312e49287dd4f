package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/filter"
	"github.com/langchou/busrelay/internal/models"
	"github.com/langchou/busrelay/internal/repository"
	"github.com/langchou/busrelay/pkg/ws"
)

// Outcome 一条上报的处理结果，上报端看不到
type Outcome int

const (
	OutcomeAccepted         Outcome = iota // 已写入并广播
	OutcomeMalformed                       // 无法解析、校验失败或不在车队白名单中
	OutcomeInsignificant                   // 位移和时间差都未达到阈值
	OutcomeStale                           // 存储中已有观测时间更晚的记录
	OutcomeStoreUnavailable                // 存储读写失败，本条丢弃
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeInsignificant:
		return "insignificant"
	case OutcomeStale:
		return "stale"
	case OutcomeStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Store 服务依赖的存储操作
type Store interface {
	Latest(ctx context.Context, busID string) (*models.BusLocation, error)
	Replace(ctx context.Context, loc *models.BusLocation) (bool, error)
}

// Cache 最新位置缓存
type Cache interface {
	Get(ctx context.Context) ([]*models.BusLocation, error)
	Invalidate()
}

// Encoder 广播编码
type Encoder interface {
	Encode(update models.Update) (ws.Frame, error)
}

// Broadcaster 观察端广播
type Broadcaster interface {
	Broadcast(frame ws.Frame) int
}

// Whitelist 固定车队的 bus_id 集合
type Whitelist map[string]struct{}

// NewWhitelist 生成 start 起连续 size 个编号
func NewWhitelist(start, size int) Whitelist {
	w := make(Whitelist, size)
	for i := 0; i < size; i++ {
		w[strconv.Itoa(start+i)] = struct{}{}
	}
	return w
}

// Contains 是否属于车队
func (w Whitelist) Contains(busID string) bool {
	_, ok := w[busID]
	return ok
}

// RelayService 位置上报的接收与广播
type RelayService struct {
	logger      *zap.Logger
	store       Store
	filter      *filter.Filter
	cache       Cache
	encoder     Encoder
	broadcaster Broadcaster
	whitelist   Whitelist
	validate    *validator.Validate
}

// NewRelayService 创建服务
func NewRelayService(
	logger *zap.Logger,
	store Store,
	f *filter.Filter,
	cache Cache,
	encoder Encoder,
	broadcaster Broadcaster,
	whitelist Whitelist,
) *RelayService {
	return &RelayService{
		logger:      logger.With(zap.String("component", "relay")),
		store:       store,
		filter:      f,
		cache:       cache,
		encoder:     encoder,
		broadcaster: broadcaster,
		whitelist:   whitelist,
		validate:    validator.New(),
	}
}

// HandleMessage 处理一条入站消息：校验、过滤、写入、失效缓存、广播
func (s *RelayService) HandleMessage(ctx context.Context, raw []byte) Outcome {
	loc, ok := s.parse(raw)
	if !ok {
		return OutcomeMalformed
	}

	previous, err := s.store.Latest(ctx, loc.BusID)
	if err != nil {
		s.logger.Error("Failed to load latest location", zap.Error(err), zap.String("bus_id", loc.BusID))
		return OutcomeStoreUnavailable
	}

	if !s.filter.Accept(previous, loc) {
		return OutcomeInsignificant
	}

	applied, err := s.store.Replace(ctx, loc)
	if err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			s.logger.Error("Store unavailable, dropping update", zap.Error(err), zap.String("bus_id", loc.BusID))
		} else {
			s.logger.Error("Failed to persist location", zap.Error(err), zap.String("bus_id", loc.BusID))
		}
		return OutcomeStoreUnavailable
	}
	if !applied {
		s.logger.Debug("Out-of-order report ignored", zap.String("bus_id", loc.BusID), zap.Int64("timestamp", loc.Timestamp))
		return OutcomeStale
	}

	// 必须在广播之前失效，查询不会比广播看到更旧的数据
	s.cache.Invalidate()

	frame, err := s.encoder.Encode(models.NewUpdate(loc))
	if err != nil {
		s.logger.Error("Failed to encode update", zap.Error(err), zap.String("bus_id", loc.BusID))
		return OutcomeAccepted
	}
	delivered := s.broadcaster.Broadcast(frame)

	s.logger.Debug("Location update broadcast",
		zap.String("bus_id", loc.BusID),
		zap.String("status", string(loc.Status)),
		zap.Int("viewers", delivered))
	return OutcomeAccepted
}

// Locations 查询接口使用的最新位置快照
func (s *RelayService) Locations(ctx context.Context) ([]*models.BusLocation, error) {
	return s.cache.Get(ctx)
}

func (s *RelayService) parse(raw []byte) (*models.BusLocation, bool) {
	loc := &models.BusLocation{}
	if err := json.Unmarshal(raw, loc); err != nil {
		s.logger.Debug("Discarding unparseable report", zap.Error(err))
		return nil, false
	}
	if err := s.validate.Struct(loc); err != nil {
		s.logger.Debug("Discarding invalid report", zap.Error(err), zap.String("bus_id", loc.BusID))
		return nil, false
	}
	if !s.whitelist.Contains(loc.BusID) {
		s.logger.Debug("Discarding report from unknown bus", zap.String("bus_id", loc.BusID))
		return nil, false
	}

	// 写入时间只由服务端决定
	loc.CreatedAt = time.Time{}
	loc.Normalize()
	return loc, true
}
