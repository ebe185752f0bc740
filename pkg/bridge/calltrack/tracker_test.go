package calltrack

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterUnregisterCountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("c1", Handle{})
	u2 := tr.Register("c2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1() // idempotent
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatal("Wait timed out with no calls left")
	}
}

func TestReplacingACallReleasesTheOldEntry(t *testing.T) {
	tr := NewTracker()
	tr.Register("c1", Handle{})
	u2 := tr.Register("c1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d after replacement, want 1", tr.Count())
	}
	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatal("Wait still blocked; replaced entry leaked a waitgroup slot")
	}
}

func TestHangupAllIsBestEffort(t *testing.T) {
	tr := NewTracker()
	var h1, h2 atomic.Int64
	tr.Register("c1", Handle{Hangup: func(string) error { h1.Add(1); return nil }})
	tr.Register("c2", Handle{Hangup: func(string) error { h2.Add(1); return errors.New("line busy") }})
	tr.Register("c3", Handle{})

	if sent := tr.HangupAll("maintenance"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if h1.Load() != 1 || h2.Load() != 1 {
		t.Fatalf("hangup calls=%d/%d, want 1/1", h1.Load(), h2.Load())
	}
}

func TestCancelAllForcesTermination(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("c1", Handle{Cancel: func() { c1.Add(1) }})
	tr.Register("c2", Handle{Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestWaitTimesOutWithLiveCalls(t *testing.T) {
	tr := NewTracker()
	tr.Register("c1", Handle{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait returned true with a live call registered")
	}
}
