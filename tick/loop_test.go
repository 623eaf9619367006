package tick

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixil98/go-testutil"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewLoop_InvalidInterval(t *testing.T) {
	_, err := NewLoop(0, nil, Hooks{})
	testutil.AssertErrorContains(t, err, "must be positive")
}

func TestLoop_StartStopIdempotent(t *testing.T) {
	var started, stopped atomic.Int32
	l, err := NewLoop(5*time.Millisecond, nil, Hooks{
		OnStart: func(time.Duration, time.Time) { started.Add(1) },
		OnStop:  func(uint64, time.Time) { stopped.Add(1) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testutil.AssertEqual(t, "stop before start", l.Stop(), false)
	testutil.AssertEqual(t, "first start", l.Start(), true)
	testutil.AssertEqual(t, "second start", l.Start(), false)
	testutil.AssertEqual(t, "running", l.Running(), true)
	testutil.AssertEqual(t, "first stop", l.Stop(), true)
	testutil.AssertEqual(t, "second stop", l.Stop(), false)
	testutil.AssertEqual(t, "running", l.Running(), false)
	testutil.AssertEqual(t, "started hooks", started.Load(), int32(1))
	testutil.AssertEqual(t, "stopped hooks", stopped.Load(), int32(1))
}

func TestLoop_TicksInOrderWithoutOverlap(t *testing.T) {
	var (
		mu       sync.Mutex
		ticks    []uint64
		phases   []string
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	l, err := NewLoop(2*time.Millisecond, func(ctx context.Context, tc Context) error {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		time.Sleep(3 * time.Millisecond) // slower than the interval
		mu.Lock()
		ticks = append(ticks, tc.Tick)
		phases = append(phases, "tick")
		mu.Unlock()
		return nil
	}, Hooks{
		BeforeTick: func(Context) { mu.Lock(); phases = append(phases, "before"); mu.Unlock() },
		AfterTick:  func(Context) { mu.Lock(); phases = append(phases, "after"); mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Start()
	waitFor(t, "five ticks", func() bool { return l.Count() >= 5 })
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	testutil.AssertEqual(t, "overlap", overlap.Load(), false)
	for i, tk := range ticks {
		testutil.AssertEqual(t, "tick number", tk, uint64(i+1))
	}
	testutil.AssertEqual(t, "first phase", phases[0], "before")
	testutil.AssertEqual(t, "second phase", phases[1], "tick")
	testutil.AssertEqual(t, "third phase", phases[2], "after")
}

func TestLoop_ContextFields(t *testing.T) {
	got := make(chan Context, 8)
	l, err := NewLoop(10*time.Millisecond, func(ctx context.Context, tc Context) error {
		select {
		case got <- tc:
		default:
		}
		return nil
	}, Hooks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Start()
	defer l.Stop()

	first := <-got
	testutil.AssertEqual(t, "tick", first.Tick, uint64(1))
	testutil.AssertEqual(t, "interval", first.Interval, 10*time.Millisecond)
	if first.Delta <= 0 {
		t.Fatalf("expected positive delta, got %s", first.Delta)
	}
	second := <-got
	testutil.AssertEqual(t, "tick", second.Tick, uint64(2))
}

func TestLoop_ErrorsDoNotStopLoop(t *testing.T) {
	var errs atomic.Int32
	var phasesSeen sync.Map
	l, err := NewLoop(2*time.Millisecond, func(ctx context.Context, tc Context) error {
		if tc.Tick%2 == 0 {
			panic("boom")
		}
		return errors.New("tick failed")
	}, Hooks{
		AfterTick: func(tc Context) {
			if tc.Tick == 3 {
				panic("after boom")
			}
		},
		OnError: func(p Phase, tc Context, err error) {
			errs.Add(1)
			phasesSeen.Store(p, true)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Start()
	waitFor(t, "ticks past failures", func() bool { return l.Count() >= 6 })
	l.Stop()

	if errs.Load() < 6 {
		t.Fatalf("expected an error report per failing tick, got %d", errs.Load())
	}
	_, sawTick := phasesSeen.Load(PhaseTick)
	_, sawAfter := phasesSeen.Load(PhaseAfter)
	testutil.AssertEqual(t, "tick phase", sawTick, true)
	testutil.AssertEqual(t, "after phase", sawAfter, true)
}

func TestLoop_RestartResetsCount(t *testing.T) {
	l, err := NewLoop(2*time.Millisecond, nil, Hooks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Start()
	waitFor(t, "ticks", func() bool { return l.Count() >= 3 })
	l.Stop()

	l.Start()
	defer l.Stop()
	if l.Count() > 2 {
		t.Fatalf("expected count to restart, got %d", l.Count())
	}
}
