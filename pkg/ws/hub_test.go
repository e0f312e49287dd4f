package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestBroadcastDeliversSharedFrame(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := NewClient(hub, nil, "a", 4)
	b := NewClient(hub, nil, "b", 4)
	hub.Register(a)
	hub.Register(b)

	frame := Frame{Type: websocket.BinaryMessage, Data: []byte{1, 2, 3}}
	if n := hub.Broadcast(frame); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}

	for _, c := range []*Client{a, b} {
		got := <-c.send
		if &got.Data[0] != &frame.Data[0] {
			t.Errorf("client %s: expected the shared payload", c.ID)
		}
		if got.Type != websocket.BinaryMessage {
			t.Errorf("client %s: expected binary frame", c.ID)
		}
	}
}

func TestBroadcastSkipsFullClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow := NewClient(hub, nil, "slow", 1)
	fast := NewClient(hub, nil, "fast", 8)
	hub.Register(slow)
	hub.Register(fast)

	hub.Broadcast(Frame{Type: websocket.BinaryMessage, Data: []byte("1")})
	if n := hub.Broadcast(Frame{Type: websocket.BinaryMessage, Data: []byte("2")}); n != 1 {
		t.Errorf("expected one delivery while slow client is full, got %d", n)
	}

	if hub.ClientCount() != 2 {
		t.Error("a full client must stay registered")
	}
	if len(slow.send) != 1 || string((<-slow.send).Data) != "1" {
		t.Error("slow client should only hold the first frame")
	}
	if len(fast.send) != 2 {
		t.Errorf("fast client should hold both frames, has %d", len(fast.send))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := NewClient(hub, nil, "c", 1)
	hub.Register(c)

	hub.Unregister(c)
	hub.Unregister(c)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel to be closed")
	}
	if n := hub.Broadcast(Frame{Data: []byte("x")}); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestConcurrentRegisterDuringBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := NewClient(hub, nil, fmt.Sprintf("c%d", i), 2)
			hub.Register(c)
			hub.Unregister(c)
			hub.Unregister(c)
		}(i)
		go func() {
			defer wg.Done()
			hub.Broadcast(Frame{Data: []byte("x")})
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := NewClient(hub, nil, "c", 1)
	hub.Register(c)
	hub.Close()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel to be closed")
	}
	// 关闭后再注销不能重复 close
	hub.Unregister(c)
}

func TestWritePumpStopsWhenReadPumpExits(t *testing.T) {
	hub := NewHub(zap.NewNop())
	upgrader := websocket.Upgrader{}
	writeDone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// 未注册到 Hub，Unregister 不会关闭 send
		client := NewClient(hub, conn, "reporter", 1)
		go func() {
			client.WritePump(time.Hour)
			close(writeDone)
		}()
		client.ReadPump(1024, time.Hour, nil)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	select {
	case <-writeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump still running after the read pump returned")
	}
}
