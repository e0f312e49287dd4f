package session

import (
	"sync"
	"testing"
)

func TestSessionLifecycle(t *testing.T) {
	s := New("10.0.0.5:4711")
	if s.State() != StateOpen {
		t.Fatalf("expected %s, got %s", StateOpen, s.State())
	}

	for i := 0; i < 3; i++ {
		if err := s.Receive(); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if s.State() != StateActive {
			t.Fatalf("expected %s, got %s", StateActive, s.State())
		}
	}

	s.MarkAccepted()
	info := s.Info()
	if info.Messages != 3 || info.Accepted != 1 {
		t.Errorf("unexpected counters: %+v", info)
	}
	if info.State != StateActive {
		t.Errorf("expected info state active, got %s", info.State)
	}

	s.Close()
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected %s, got %s", StateClosed, s.State())
	}
	if err := s.Receive(); err == nil {
		t.Error("expected receive on closed session to fail")
	}
}

func TestCloseFromOpen(t *testing.T) {
	s := New("")
	s.Close()
	if s.State() != StateClosed {
		t.Errorf("expected %s, got %s", StateClosed, s.State())
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	a := tr.Open("a")
	b := tr.Open("b")

	if a.ID() == b.ID() {
		t.Fatal("expected unique session ids")
	}
	if tr.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", tr.Count())
	}
	if got, ok := tr.Get(a.ID()); !ok || got != a {
		t.Error("expected to find session a")
	}

	tr.Close(a)
	tr.Close(a)
	if tr.Count() != 1 {
		t.Errorf("expected 1 session, got %d", tr.Count())
	}
	if a.State() != StateClosed {
		t.Errorf("expected closed session, got %s", a.State())
	}
	if list := tr.List(); len(list) != 1 || list[0].ID != b.ID() {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := tr.Open("x")
			s.Receive()
			tr.Close(s)
		}()
	}
	wg.Wait()
	if tr.Count() != 0 {
		t.Errorf("expected 0 sessions, got %d", tr.Count())
	}
}
