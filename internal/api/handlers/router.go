package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/models"
	"github.com/langchou/busrelay/internal/repository"
	"github.com/langchou/busrelay/internal/service"
	"github.com/langchou/busrelay/internal/session"
	"github.com/langchou/busrelay/pkg/ws"
)

const (
	// 单条上报的处理时限
	messageTimeout = 5 * time.Second
	readyTimeout   = 2 * time.Second
)

// Relay 上报处理与位置查询
type Relay interface {
	HandleMessage(ctx context.Context, raw []byte) service.Outcome
	Locations(ctx context.Context) ([]*models.BusLocation, error)
}

// Pinger 存储健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options WebSocket 连接参数
type Options struct {
	SendBuffer      int
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	relay    Relay
	store    Pinger
	wsHub    *ws.Hub
	sessions *session.Tracker
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	relay Relay,
	store Pinger,
	wsHub *ws.Hub,
	sessions *session.Tracker,
	opts Options,
) *Handler {
	return &Handler{
		logger:   logger.With(zap.String("component", "http")),
		relay:    relay,
		store:    store,
		wsHub:    wsHub,
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 上报端和观察端来自任意页面
			},
		},
	}
}

// RegisterRoutes 注册路由，apiMiddleware 只作用于 /api
func (h *Handler) RegisterRoutes(r *gin.Engine, apiMiddleware ...gin.HandlerFunc) {
	api := r.Group("/api", apiMiddleware...)
	{
		api.GET("/locations", h.ListLocations)
		api.GET("/sessions", h.ListSessions)
	}

	// WebSocket
	r.GET("/ws/report", h.HandleReport)
	r.GET("/ws/live", h.HandleLive)
	r.GET("/", h.HandleLegacy)

	// 健康检查
	r.GET("/health", h.HealthCheck)
	r.GET("/ready", h.ReadyCheck)
}

// ListLocations 每辆车的最新位置。cb 参数只用于绕过浏览器缓存，忽略
func (h *Handler) ListLocations(c *gin.Context) {
	locations, err := h.relay.Locations(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list locations", zap.Error(err))
		// 驱动层细节只进日志
		msg := "failed to load locations"
		if errors.Is(err, repository.ErrStoreUnavailable) {
			msg = "store unavailable"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}

	if locations == nil {
		locations = []*models.BusLocation{}
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, locations)
}

// ListSessions 当前上报会话
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.List())
}

// HandleReport 上报端连接：只接收，不回执
func (h *Handler) HandleReport(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	sess := h.sessions.Open(c.Request.RemoteAddr)
	defer h.sessions.Close(sess)

	// 不注册到 Hub，上报端收不到广播；ReadPump 返回时 WritePump 随之退出
	client := ws.NewClient(h.wsHub, conn, sess.ID(), 1)
	go client.WritePump(h.opts.PingInterval)
	client.ReadPump(h.opts.MaxMessageBytes, h.opts.PingInterval, h.onReport(c.Request.Context(), sess))
}

// HandleLive 观察端连接：只接收广播
func (h *Handler) HandleLive(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn, newClientID(), h.opts.SendBuffer)
	h.wsHub.Register(client)

	go client.WritePump(h.opts.PingInterval)
	client.ReadPump(h.opts.MaxMessageBytes, h.opts.PingInterval, nil)
}

// HandleLegacy 根路径的合并连接：同一个连接既上报也接收广播
func (h *Handler) HandleLegacy(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusOK, gin.H{"service": "busrelay"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	sess := h.sessions.Open(c.Request.RemoteAddr)
	defer h.sessions.Close(sess)

	client := ws.NewClient(h.wsHub, conn, sess.ID(), h.opts.SendBuffer)
	h.wsHub.Register(client)

	go client.WritePump(h.opts.PingInterval)
	client.ReadPump(h.opts.MaxMessageBytes, h.opts.PingInterval, h.onReport(c.Request.Context(), sess))
}

func (h *Handler) onReport(ctx context.Context, sess *session.Session) func(int, []byte) {
	return func(msgType int, data []byte) {
		if msgType != websocket.TextMessage {
			h.logger.Debug("Ignoring non-text frame", zap.String("session_id", sess.ID()))
			return
		}
		if err := sess.Receive(); err != nil {
			return
		}

		msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
		defer cancel()

		if h.relay.HandleMessage(msgCtx, data) == service.OutcomeAccepted {
			sess.MarkAccepted()
		}
	}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
		"sessions":   h.sessions.Count(),
	})
}

// ReadyCheck 存储可用时才就绪
func (h *Handler) ReadyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Store ping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func newClientID() string {
	return uuid.New().String()
}
