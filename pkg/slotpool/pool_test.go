package slotpool

import "testing"

func TestAcquireHighestIndexFirst(t *testing.T) {
	p := New(4)
	s := p.Acquire()
	if s.Index != 3 {
		t.Fatalf("first acquire got index %d, want 3", s.Index)
	}
	s2 := p.Acquire()
	if s2.Index != 2 {
		t.Fatalf("second acquire got index %d, want 2", s2.Index)
	}
}

func TestExhaustion(t *testing.T) {
	p := New(2)
	p.Acquire()
	p.Acquire()
	if !p.IsExhausted() {
		t.Fatalf("expected pool to be exhausted")
	}
	if s := p.Acquire(); s != nil {
		t.Fatalf("expected nil from exhausted pool, got slot %d", s.Index)
	}
}

func TestUsedAccounting(t *testing.T) {
	p := New(3)
	a := p.Acquire()
	b := p.Acquire()
	if p.Used() != 2 {
		t.Fatalf("Used() = %d, want 2", p.Used())
	}
	p.Release(a)
	if p.Used() != 1 {
		t.Fatalf("Used() = %d, want 1 after release", p.Used())
	}
	p.Release(b)
	if p.Used() != 0 {
		t.Fatalf("Used() = %d, want 0 after releasing all", p.Used())
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p := New(1)
	s := p.Acquire()
	p.Release(s)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double release")
		}
	}()
	p.Release(s)
}

func TestRefcountLifecycle(t *testing.T) {
	p := New(1)
	p.Ref() // simulate handing the slot to the receive callback
	if done := p.Unref(); done {
		t.Fatalf("pool should still be referenced by the connection")
	}
	if done := p.Unref(); !done {
		t.Fatalf("pool should be unreferenced after both refs drop")
	}
}

func TestOverflowBuffers(t *testing.T) {
	p := New(1)
	s := p.Acquire()
	buf := s.DataBuf(InlineDataSize + 100)
	if len(buf) != InlineDataSize+100 {
		t.Fatalf("overflow data buf len = %d, want %d", len(buf), InlineDataSize+100)
	}
	hbuf := s.HeaderBuf(InlineHeaderSize + 5)
	if len(hbuf) != InlineHeaderSize+5 {
		t.Fatalf("overflow header buf len = %d, want %d", len(hbuf), InlineHeaderSize+5)
	}
}
