package sim

import (
	"math"
	"sync/atomic"
	"time"

	"realmsync/protocol"
	"realmsync/state"
	"realmsync/tick"
)

// DefaultHeartbeat is the longest a client goes without a world:update.
const DefaultHeartbeat = time.Second

// Broadcaster fans a frame out to every open connection.
type Broadcaster interface {
	ConnectionCount() int
	BroadcastFrame(frame []byte) int
}

// Recorder receives every world:update that went out.
type Recorder interface {
	Record(update WorldUpdate) error
}

// WorldUpdate is the payload of world:update.
type WorldUpdate struct {
	Players   []state.View `json:"players"`
	Tick      uint64       `json:"tick"`
	Timestamp int64        `json:"timestamp"`
	Delta     int64        `json:"delta"`
}

// Heartbeat decides each tick whether a world snapshot must go out: either
// something changed (dirty) or everyTicks ticks passed since the last one.
type Heartbeat struct {
	out        Broadcaster
	snapshot   func() []state.View
	everyTicks uint64
	recorder   Recorder

	dirty    atomic.Bool
	lastTick uint64
	onError  func(error)
}

// HeartbeatTicks converts a heartbeat period into a tick count, at least 1.
func HeartbeatTicks(heartbeat, interval time.Duration) uint64 {
	if interval <= 0 {
		return 1
	}
	n := math.Round(float64(heartbeat) / float64(interval))
	if n < 1 {
		return 1
	}
	return uint64(n)
}

// NewHeartbeat builds a heartbeat that starts dirty so the first tick with
// connections always broadcasts.
func NewHeartbeat(out Broadcaster, snapshot func() []state.View, everyTicks uint64) *Heartbeat {
	if everyTicks == 0 {
		everyTicks = 1
	}
	h := &Heartbeat{out: out, snapshot: snapshot, everyTicks: everyTicks}
	h.dirty.Store(true)
	return h
}

// SetRecorder attaches a journal; onError receives record failures.
func (h *Heartbeat) SetRecorder(r Recorder, onError func(error)) {
	h.recorder = r
	h.onError = onError
}

// EveryTicks is the periodic fallback interval in ticks.
func (h *Heartbeat) EveryTicks() uint64 { return h.everyTicks }

// MarkDirty requests a broadcast on the next tick. Safe from any goroutine.
func (h *Heartbeat) MarkDirty() { h.dirty.Store(true) }

// Dirty reports whether a broadcast is pending.
func (h *Heartbeat) Dirty() bool { return h.dirty.Load() }

// Step broadcasts when due and reports whether it did. Snapshotting must be
// serialized with store writers by the caller.
func (h *Heartbeat) Step(tc tick.Context) bool {
	if h.out.ConnectionCount() == 0 {
		return false
	}
	// The tick counter restarts from 1 when the loop is restarted.
	if tc.Tick < h.lastTick {
		h.lastTick = 0
	}
	periodic := tc.Tick-h.lastTick >= h.everyTicks
	// Swap before snapshotting so a change landing mid-broadcast stays pending.
	if wasDirty := h.dirty.Swap(false); !wasDirty && !periodic {
		return false
	}

	update := WorldUpdate{
		Players:   h.snapshot(),
		Tick:      tc.Tick,
		Timestamp: tc.Now.UnixMilli(),
		Delta:     tc.Delta.Milliseconds(),
	}
	frame, err := protocol.Encode(protocol.TypeWorldUpdate, update)
	if err != nil {
		h.dirty.Store(true)
		h.fail(err)
		return false
	}
	h.out.BroadcastFrame(frame)
	h.lastTick = tc.Tick

	if h.recorder != nil {
		if err := h.recorder.Record(update); err != nil {
			h.fail(err)
		}
	}
	return true
}

func (h *Heartbeat) fail(err error) {
	if h.onError != nil {
		h.onError(err)
	}
}
