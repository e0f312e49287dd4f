package pinger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/models"
)

const writeTimeout = 5 * time.Second

// Config 模拟器参数
type Config struct {
	URL            string
	BusID          string
	Interval       time.Duration
	ReconnectDelay time.Duration
	Latitude       float64
	Longitude      float64
	Step           float64 // 每次随机游走的最大位移（度）
	Status         models.BusStatus
	Issue          string
}

// Pinger 模拟一辆车周期性上报位置，断线后固定延迟重连
type Pinger struct {
	cfg    Config
	logger *zap.Logger
	rnd    *rand.Rand
	now    func() time.Time

	lat, lon float64
}

// New 创建模拟器
func New(cfg Config, logger *zap.Logger) *Pinger {
	return &Pinger{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pinger"), zap.String("bus_id", cfg.BusID)),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		lat:    cfg.Latitude,
		lon:    cfg.Longitude,
	}
}

// Run 持续上报直到 ctx 结束
func (p *Pinger) Run(ctx context.Context) error {
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("Connection lost, reconnecting", zap.Error(err), zap.Duration("delay", p.cfg.ReconnectDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

// session 一次连接：连上立即上报，之后按间隔上报
func (p *Pinger) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}
	defer conn.CloseNow()
	p.logger.Info("Connected", zap.String("url", p.cfg.URL))

	// 服务端不回消息，CloseRead 负责处理控制帧并在断开时结束 closed
	closed := conn.CloseRead(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.send(ctx, conn); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return ctx.Err()
		case <-closed.Done():
			return fmt.Errorf("connection closed: %w", context.Cause(closed))
		case <-ticker.C:
		}
	}
}

func (p *Pinger) send(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(p.next())
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// next 生成下一条上报。停靠状态下位置不变
func (p *Pinger) next() models.BusLocation {
	if p.cfg.Status != models.StatusStopped {
		p.lat += (p.rnd.Float64()*2 - 1) * p.cfg.Step
		p.lon += (p.rnd.Float64()*2 - 1) * p.cfg.Step
	}

	loc := models.BusLocation{
		BusID:     p.cfg.BusID,
		Latitude:  p.lat,
		Longitude: p.lon,
		Timestamp: p.now().UnixMilli(),
		Status:    p.cfg.Status,
		Issue:     p.cfg.Issue,
	}
	loc.Normalize()
	return loc
}
