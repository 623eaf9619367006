package server

import (
	"sync/atomic"
)

// RoomMetrics holds runtime counters for /metrics.
type RoomMetrics struct {
	TickCount      int64
	TotalTickNs    int64
	Messages       int64 // inbound frames
	ClientErrors   int64 // error frames caused by the client
	InternalErrors int64 // handler and tick failures
	Broadcasts     int64 // world:update frames fanned out
	DroppedSends   int64 // frames lost to a closed or full queue
	Connections    int64 // currently attached
}

func (m *RoomMetrics) IncMessages()       { atomic.AddInt64(&m.Messages, 1) }
func (m *RoomMetrics) IncClientErrors()   { atomic.AddInt64(&m.ClientErrors, 1) }
func (m *RoomMetrics) IncInternalErrors() { atomic.AddInt64(&m.InternalErrors, 1) }
func (m *RoomMetrics) IncBroadcasts()     { atomic.AddInt64(&m.Broadcasts, 1) }
func (m *RoomMetrics) IncDroppedSends()   { atomic.AddInt64(&m.DroppedSends, 1) }
func (m *RoomMetrics) AddConnections(n int64) {
	atomic.AddInt64(&m.Connections, n)
}
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot returns a read-only copy for HTTP output.
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":      tick,
		"avg_tick_ms":     avgMs,
		"messages":        atomic.LoadInt64(&m.Messages),
		"client_errors":   atomic.LoadInt64(&m.ClientErrors),
		"internal_errors": atomic.LoadInt64(&m.InternalErrors),
		"broadcasts":      atomic.LoadInt64(&m.Broadcasts),
		"dropped_sends":   atomic.LoadInt64(&m.DroppedSends),
		"connections":     atomic.LoadInt64(&m.Connections),
	}
}
