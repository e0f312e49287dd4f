package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	DefaultSendBuffer   = 16
	DefaultPingInterval = 30 * time.Second
)

// Frame 一条已编码的消息，所有接收方共享同一份数据
type Frame struct {
	Type int // websocket.BinaryMessage 或 websocket.TextMessage
	Data []byte
}

// Client WebSocket 客户端
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan Frame

	done     chan struct{} // ReadPump 退出时关闭，未注册的客户端也能停止 WritePump
	doneOnce sync.Once
}

// Hub 观察端连接注册中心
type Hub struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger.With(zap.String("component", "ws_hub")),
		clients: make(map[*Client]struct{}),
	}
}

// NewClient 创建客户端，bufferSize 为发送队列长度
func NewClient(hub *Hub, conn *websocket.Conn, id string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	return &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan Frame, bufferSize),
		done: make(chan struct{}),
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("WebSocket client connected", zap.String("client_id", client.ID), zap.Int("total_clients", total))
}

// Unregister 注销客户端，可重复调用
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID), zap.Int("total_clients", total))
	}
}

// Broadcast 把同一帧投递给所有客户端。
// 发送队列已满的客户端本次跳过，不排队也不断开，后续更新会覆盖它
func (h *Hub) Broadcast(frame Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients {
		select {
		case client.send <- frame:
			delivered++
		default:
			h.logger.Debug("Client send buffer full, skipping frame", zap.String("client_id", client.ID))
		}
	}
	return delivered
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 关闭所有客户端
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]struct{})
}

// ReadPump 读取消息直到连接断开，onMessage 为空时丢弃读到的数据（仅保持连接）
func (c *Client) ReadPump(maxMessageBytes int64, pingInterval time.Duration, onMessage func(msgType int, data []byte)) {
	defer func() {
		c.hub.Unregister(c)
		c.doneOnce.Do(func() { close(c.done) })
		c.conn.Close()
	}()

	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	pongWait := pongWaitFor(pingInterval)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("WebSocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		// 上报端的消息同样证明连接存活
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onMessage != nil {
			onMessage(msgType, data)
		}
	}
}

// WritePump 发送消息并定期 ping
func (c *Client) WritePump(pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(frame.Type, frame.Data); err != nil {
				return
			}

		case <-c.done:
			return

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func pongWaitFor(pingInterval time.Duration) time.Duration {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return pingInterval * 2
}
