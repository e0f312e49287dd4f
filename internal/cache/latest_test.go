package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/busrelay/internal/models"
)

type countingSource struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   chan struct{}
	started chan struct{}
	value   []*models.BusLocation
}

func (s *countingSource) AllLatest(ctx context.Context) ([]*models.BusLocation, error) {
	s.mu.Lock()
	s.calls++
	block, started, err := s.block, s.started, s.err
	value := make([]*models.BusLocation, len(s.value))
	copy(value, s.value)
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *countingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingSource) Set(locs ...*models.BusLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = locs
}

func newTestCache(src Source) (*LatestCache, *time.Time) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewLatestCache(src, 5*time.Second, zap.NewNop())
	c.now = func() time.Time { return now }
	return c, &now
}

func bus(id string, ts int64) *models.BusLocation {
	return &models.BusLocation{BusID: id, Timestamp: ts, Status: models.StatusEnroute}
}

func TestGetWithinDurationReturnsSameSnapshot(t *testing.T) {
	src := &countingSource{}
	src.Set(bus("101", 1000), bus("102", 1000))
	c, now := newTestCache(src)

	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	src.Set(bus("101", 9000))
	*now = now.Add(4999 * time.Millisecond)

	second, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if src.Calls() != 1 {
		t.Errorf("expected 1 store call, got %d", src.Calls())
	}
	if len(first) != len(second) || &first[0] != &second[0] {
		t.Error("expected the identical cached slice")
	}
}

func TestGetRecomputesAfterDuration(t *testing.T) {
	src := &countingSource{}
	src.Set(bus("101", 1000))
	c, now := newTestCache(src)

	c.Get(context.Background())
	src.Set(bus("101", 2000))
	*now = now.Add(5 * time.Second)

	got, _ := c.Get(context.Background())
	if src.Calls() != 2 {
		t.Errorf("expected 2 store calls, got %d", src.Calls())
	}
	if got[0].Timestamp != 2000 {
		t.Errorf("expected fresh snapshot, got %+v", got[0])
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	src := &countingSource{}
	src.Set(bus("101", 1000))
	c, _ := newTestCache(src)

	c.Get(context.Background())
	src.Set(bus("101", 2000))
	c.Invalidate()

	got, _ := c.Get(context.Background())
	if src.Calls() != 2 {
		t.Errorf("expected 2 store calls, got %d", src.Calls())
	}
	if got[0].Timestamp != 2000 {
		t.Errorf("expected post-invalidation data, got %+v", got[0])
	}
}

func TestGetErrorIsNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("boom")}
	c, _ := newTestCache(src)

	if _, err := c.Get(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.Set(bus("101", 1000))

	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 location, got %d", len(got))
	}
}

func TestInvalidateDuringRecomputeDropsResult(t *testing.T) {
	src := &countingSource{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	src.Set(bus("101", 1000))
	c, _ := newTestCache(src)

	done := make(chan struct{})
	go func() {
		c.Get(context.Background())
		close(done)
	}()

	<-src.started
	c.Invalidate()
	close(src.block)
	<-done

	src.mu.Lock()
	src.block = nil
	src.started = nil
	src.mu.Unlock()
	src.Set(bus("101", 2000))

	got, _ := c.Get(context.Background())
	if src.Calls() != 2 {
		t.Errorf("expected the in-flight result to be discarded, store calls = %d", src.Calls())
	}
	if got[0].Timestamp != 2000 {
		t.Errorf("expected post-invalidation data, got %+v", got[0])
	}
}

// ctxSource 阻塞直到放行或 ctx 结束
type ctxSource struct {
	calls   int32
	started chan struct{}
	release chan struct{}
}

func (s *ctxSource) AllLatest(ctx context.Context) ([]*models.BusLocation, error) {
	atomic.AddInt32(&s.calls, 1)
	s.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return []*models.BusLocation{bus("101", 1000)}, nil
	}
}

func TestCanceledCallerDoesNotFailSharedRecompute(t *testing.T) {
	src := &ctxSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	c, _ := newTestCache(src)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA)
		errA <- err
	}()
	<-src.started

	type result struct {
		locs []*models.BusLocation
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		locs, err := c.Get(context.Background())
		resB <- result{locs, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled caller to see context.Canceled, got %v", err)
	}

	close(src.release)
	select {
	case r := <-resB:
		if r.err != nil {
			t.Fatalf("other caller failed: %v", r.err)
		}
		if len(r.locs) != 1 {
			t.Errorf("expected 1 location, got %d", len(r.locs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other caller never returned")
	}

	if n := atomic.LoadInt32(&src.calls); n != 1 {
		t.Errorf("expected one shared recompute, got %d", n)
	}
	_, err := c.Get(context.Background())
	if n := atomic.LoadInt32(&src.calls); err != nil || n != 1 {
		t.Errorf("expected the shared result to be cached, err=%v calls=%d", err, n)
	}
}
