package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// 会话状态
const (
	StateOpen   = "open"   // 已连接，尚未收到消息
	StateActive = "active" // 正在接收上报
	StateClosed = "closed"
)

// 事件
const (
	EventReceive = "receive"
	EventClose   = "close"
)

// Info 会话快照
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Messages    int64     `json:"messages"`
	Accepted    int64     `json:"accepted"`
}

// Session 单个上报连接的生命周期
type Session struct {
	mu   sync.RWMutex
	fsm  *fsm.FSM
	info Info
}

// New 创建处于 open 状态的会话
func New(remoteAddr string) *Session {
	now := time.Now()
	s := &Session{
		info: Info{
			ID:          uuid.New().String(),
			RemoteAddr:  remoteAddr,
			State:       StateOpen,
			ConnectedAt: now,
			LastSeen:    now,
		},
	}

	s.fsm = fsm.NewFSM(
		StateOpen,
		fsm.Events{
			{Name: EventReceive, Src: []string{StateOpen, StateActive}, Dst: StateActive},
			{Name: EventClose, Src: []string{StateOpen, StateActive}, Dst: StateClosed},
		},
		fsm.Callbacks{},
	)

	return s
}

// ID 会话 ID
func (s *Session) ID() string {
	return s.info.ID
}

// State 当前状态
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fsm.Current()
}

// Receive 记录一条入站消息，已关闭的会话返回错误
func (s *Session) Receive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.trigger(EventReceive); err != nil {
		return err
	}
	s.info.Messages++
	s.info.LastSeen = time.Now()
	return nil
}

// MarkAccepted 记录一条被接受的上报
func (s *Session) MarkAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Accepted++
}

// Close 关闭会话，可重复调用
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsm.Current() == StateClosed {
		return
	}
	_ = s.trigger(EventClose)
}

// Info 返回副本
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.State = s.fsm.Current()
	return info
}

func (s *Session) trigger(event string) error {
	err := s.fsm.Event(context.Background(), event)
	// active -> active 的自环在 fsm 中表现为 NoTransitionError
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	s.info.State = s.fsm.Current()
	return nil
}

// Tracker 入站会话管理器，与观察端 Hub 分开
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTracker 创建管理器
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*Session)}
}

// Open 创建并登记新会话
func (t *Tracker) Open(remoteAddr string) *Session {
	s := New(remoteAddr)
	t.mu.Lock()
	t.sessions[s.ID()] = s
	t.mu.Unlock()
	return s
}

// Close 关闭并移除会话
func (t *Tracker) Close(s *Session) {
	s.Close()
	t.mu.Lock()
	delete(t.sessions, s.ID())
	t.mu.Unlock()
}

// Get 获取会话
func (t *Tracker) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Count 当前会话数量
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List 所有会话快照
func (t *Tracker) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}
