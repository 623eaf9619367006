package tick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultInterval is 20 ticks per second.
const DefaultInterval = 50 * time.Millisecond

// Context is handed to every tick observer and is not retained afterwards.
type Context struct {
	Tick     uint64
	Now      time.Time
	Delta    time.Duration
	Interval time.Duration
}

// Phase names where in a tick an error happened.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseTick   Phase = "tick"
	PhaseAfter  Phase = "after"
	PhaseStart  Phase = "start"
	PhaseStop   Phase = "stop"
)

// Hooks are optional lifecycle observers. All of them run on the loop
// goroutine.
type Hooks struct {
	OnStart    func(interval time.Duration, startedAt time.Time)
	OnStop     func(ticks uint64, stoppedAt time.Time)
	BeforeTick func(Context)
	AfterTick  func(Context)
	OnError    func(Phase, Context, error)
}

// Func is the per-tick callback. The loop waits for it to return before the
// next tick is scheduled, so ticks never overlap.
type Func func(ctx context.Context, tc Context) error

// Loop drives a fixed-interval heartbeat on its own goroutine.
type Loop struct {
	interval time.Duration
	onTick   Func
	hooks    Hooks
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	count   uint64
}

// NewLoop validates the interval and returns a stopped loop.
func NewLoop(interval time.Duration, onTick Func, hooks Hooks) (*Loop, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %s", interval)
	}
	return &Loop{
		interval: interval,
		onTick:   onTick,
		hooks:    hooks,
		now:      time.Now,
	}, nil
}

// Interval is the configured target interval.
func (l *Loop) Interval() time.Duration { return l.interval }

// Start begins ticking. It returns false if the loop is already running.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.count = 0

	startedAt := l.now()
	l.safe(PhaseStart, Context{Now: startedAt, Interval: l.interval}, func() {
		if l.hooks.OnStart != nil {
			l.hooks.OnStart(l.interval, startedAt)
		}
	})
	go l.run(ctx, startedAt, l.done)
	return true
}

// Stop halts the loop and waits for an in-flight tick to finish. It returns
// false if the loop was not running. Stop must not be called from inside a
// tick callback.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return false
	}
	l.running = false
	l.cancel()
	done := l.done
	l.mu.Unlock()

	<-done

	stoppedAt := l.now()
	ticks := l.Count()
	l.safe(PhaseStop, Context{Tick: ticks, Now: stoppedAt, Interval: l.interval}, func() {
		if l.hooks.OnStop != nil {
			l.hooks.OnStop(ticks, stoppedAt)
		}
	})
	return true
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Count is the number of ticks run since the last Start.
func (l *Loop) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Loop) run(ctx context.Context, last time.Time, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := l.now()
		l.mu.Lock()
		l.count++
		tc := Context{Tick: l.count, Now: now, Delta: now.Sub(last), Interval: l.interval}
		l.mu.Unlock()
		last = now

		l.step(ctx, tc)

		// Schedule against the ideal next tick rather than sleeping a full
		// interval, so slow ticks do not accumulate lag.
		wait := last.Add(l.interval).Sub(l.now())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (l *Loop) step(ctx context.Context, tc Context) {
	l.safe(PhaseBefore, tc, func() {
		if l.hooks.BeforeTick != nil {
			l.hooks.BeforeTick(tc)
		}
	})
	if l.onTick != nil {
		var err error
		l.safe(PhaseTick, tc, func() { err = l.onTick(ctx, tc) })
		if err != nil && !errors.Is(err, context.Canceled) {
			l.report(PhaseTick, tc, err)
		}
	}
	l.safe(PhaseAfter, tc, func() {
		if l.hooks.AfterTick != nil {
			l.hooks.AfterTick(tc)
		}
	})
}

// safe runs fn and turns a panic into an error report.
func (l *Loop) safe(phase Phase, tc Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.report(phase, tc, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}

func (l *Loop) report(phase Phase, tc Context, err error) {
	if l.hooks.OnError == nil {
		return
	}
	defer func() { _ = recover() }()
	l.hooks.OnError(phase, tc, err)
}
