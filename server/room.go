package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"realmsync/protocol"
	"realmsync/relay"
	"realmsync/sim"
	"realmsync/state"
	"realmsync/tick"
	"realmsync/world"
)

// ProfileStore persists each user's last known position.
type ProfileStore interface {
	Position(ctx context.Context, userID int64) (world.Vec, bool, error)
	SavePosition(userID int64, username string, pos world.Vec)
}

// EventPublisher mirrors room events to observers outside the process.
type EventPublisher interface {
	Publish(kind string, v any) error
}

// Options configures a Room. Zero durations and speeds take defaults.
type Options struct {
	Grid         world.Blocker
	Interval     time.Duration
	Heartbeat    time.Duration
	MaxDelta     time.Duration
	DefaultSpeed float64
	MaxSpeed     float64

	// Optional adapters.
	Profiles  ProfileStore
	Recorder  sim.Recorder
	Publisher EventPublisher
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = tick.DefaultInterval
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = sim.DefaultHeartbeat
	}
	if o.MaxDelta <= 0 {
		o.MaxDelta = sim.DefaultMaxDelta
	}
	if o.MaxSpeed <= 0 {
		o.MaxSpeed = protocol.DefaultMaxSpeed
	}
	if o.DefaultSpeed <= 0 {
		o.DefaultSpeed = 1
	}
	if o.DefaultSpeed > o.MaxSpeed {
		o.DefaultSpeed = o.MaxSpeed
	}
}

// Room is the authoritative world: one store advanced by one tick loop.
// Every store access, from handlers, connection lifecycle or the tick,
// happens under mu.
type Room struct {
	opts    Options
	log     *zap.SugaredLogger
	metrics *RoomMetrics

	mu         sync.Mutex
	store      *state.Store
	integrator *sim.Integrator
	heartbeat  *sim.Heartbeat

	dispatcher *Dispatcher
	loop       *tick.Loop
}

type worldState struct {
	Players []state.View `json:"players"`
}

type playerPayload struct {
	Player    state.View         `json:"player"`
	RequestID protocol.RequestID `json:"requestId,omitempty"`
}

// NewRoom wires the store, dispatcher, integrator, heartbeat and tick loop.
// The loop is not started.
func NewRoom(opts Options, log *zap.SugaredLogger) (*Room, error) {
	if opts.Grid == nil {
		return nil, fmt.Errorf("room requires a collision grid")
	}
	opts.applyDefaults()

	r := &Room{
		opts:    opts,
		log:     log,
		metrics: &RoomMetrics{},
		store:   state.NewStore(),
	}
	r.dispatcher = NewDispatcher(log, r.metrics)
	r.integrator = sim.NewIntegrator(r.store, opts.Grid, opts.MaxDelta, log)
	r.heartbeat = sim.NewHeartbeat(r.dispatcher, r.store.Snapshot, sim.HeartbeatTicks(opts.Heartbeat, opts.Interval))
	if opts.Recorder != nil {
		r.heartbeat.SetRecorder(opts.Recorder, func(err error) {
			r.log.Warnw("record world update", "error", err)
		})
	}

	loop, err := tick.NewLoop(opts.Interval, r.onTick, tick.Hooks{
		OnStart: func(interval time.Duration, at time.Time) {
			r.log.Infow("tick loop started", "interval", interval, "heartbeatTicks", r.heartbeat.EveryTicks())
		},
		OnStop: func(ticks uint64, at time.Time) {
			r.log.Infow("tick loop stopped", "ticks", ticks)
		},
		OnError: func(phase tick.Phase, tc tick.Context, err error) {
			r.metrics.IncInternalErrors()
			r.log.Errorw("tick failed", "phase", phase, "tick", tc.Tick, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}
	r.loop = loop

	r.store.Subscribe(r.onStoreEvent)
	r.dispatcher.OnOpen(r.onOpen)
	r.dispatcher.OnClose(r.onClose)
	r.registerHandlers()
	return r, nil
}

// Start begins ticking. It reports false when already running.
func (r *Room) Start() bool { return r.loop.Start() }

// Close stops the tick loop and detaches every connection, which removes
// and persists their players.
func (r *Room) Close() {
	r.loop.Stop()
	for _, c := range r.dispatcher.Connections() {
		r.dispatcher.Detach(c)
	}
}

// Dispatcher routes this room's inbound frames.
func (r *Room) Dispatcher() *Dispatcher { return r.dispatcher }

// Metrics are this room's counters.
func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// Tick is the number of ticks run so far.
func (r *Room) Tick() uint64 { return r.loop.Count() }

// Join attaches c. initial, when set, places a newly created player.
func (r *Room) Join(c *Conn, initial *world.Vec) {
	c.spawn = initial
	r.dispatcher.Attach(c)
}

// Leave detaches c. Safe to call more than once.
func (r *Room) Leave(c *Conn) {
	r.dispatcher.Detach(c)
}

// Snapshot returns every player as broadcast.
func (r *Room) Snapshot() []state.View {
	var out []state.View
	_ = r.withState(func(s *state.Store) error {
		out = s.Snapshot()
		return nil
	})
	return out
}

// Teleport places a player directly, ignoring collision, and tells everyone.
func (r *Room) Teleport(userID int64, pos world.Vec) (state.View, error) {
	var p state.Player
	err := r.withState(func(s *state.Store) error {
		var err error
		p, err = s.Teleport(userID, pos)
		return err
	})
	if err != nil {
		return state.View{}, err
	}
	view := p.View()
	r.broadcast(protocol.TypePlayerMoved, playerPayload{Player: view}, nil)
	return view, nil
}

func (r *Room) withState(fn func(s *state.Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.store)
}

func (r *Room) onTick(_ context.Context, tc tick.Context) error {
	start := time.Now()
	err := r.withState(func(*state.Store) error {
		r.integrator.Step(tc)
		r.heartbeat.Step(tc)
		return nil
	})
	r.metrics.AddTick(time.Since(start).Nanoseconds())
	return err
}

func (r *Room) onOpen(c *Conn) {
	_, ok := c.Identity()
	var players []state.View
	err := r.withState(func(s *state.Store) error {
		r.heartbeat.MarkDirty()
		if ok {
			if _, err := s.EnsureForConnection(c, state.EnsureOptions{InitialPosition: c.spawn}); err != nil {
				return err
			}
		}
		players = s.Snapshot()
		return nil
	})
	if err != nil {
		r.log.Errorw("attach player", "conn", c.ID(), "error", err)
	}
	if err := r.dispatcher.Send(c, protocol.TypeWorldState, worldState{Players: players}); err != nil {
		r.log.Errorw("send world state", "conn", c.ID(), "error", err)
	}
}

func (r *Room) onClose(c *Conn) {
	var (
		p       state.Player
		removed bool
	)
	_ = r.withState(func(s *state.Store) error {
		p, removed = s.RemoveForConnection(c)
		return nil
	})
	r.log.Infow("connection closed", "conn", c.ID(), "userId", p.UserID, "removed", removed)
}

// onStoreEvent runs under mu, on the goroutine that mutated the store.
func (r *Room) onStoreEvent(ev state.Event) {
	r.heartbeat.MarkDirty()

	switch ev.Kind {
	case state.EventCreated:
		r.broadcast(protocol.TypePlayerJoined, playerPayload{Player: ev.Player}, func(c *Conn) bool {
			return c.ID() != ev.ConnID
		})
		r.publish(relay.KindPlayerJoined, ev.Player)
	case state.EventRemoved:
		left := protocol.PlayerLeft{UserID: ev.Player.UserID}
		r.broadcast(protocol.TypePlayerLeft, left, nil)
		r.publish(relay.KindPlayerLeft, left)
		if r.opts.Profiles != nil {
			r.opts.Profiles.SavePosition(ev.Player.UserID, ev.Player.Username, ev.Player.Position)
		}
	}
}

func (r *Room) broadcast(typ string, payload any, filter func(*Conn) bool) {
	if _, err := r.dispatcher.Broadcast(typ, payload, filter); err != nil {
		r.log.Errorw("broadcast", "type", typ, "error", err)
	}
}

func (r *Room) publish(kind string, v any) {
	if r.opts.Publisher == nil {
		return
	}
	if err := r.opts.Publisher.Publish(kind, v); err != nil {
		r.log.Warnw("relay publish", "kind", kind, "error", err)
	}
}

// initialPosition looks up where a returning user left off. Positions that
// are now inside a wall are ignored.
func (r *Room) initialPosition(ctx context.Context, id state.Identity, ok bool) *world.Vec {
	if !ok || r.opts.Profiles == nil {
		return nil
	}
	pos, found, err := r.opts.Profiles.Position(ctx, id.UserID)
	if err != nil {
		r.log.Warnw("load profile", "userId", id.UserID, "error", err)
		return nil
	}
	if !found || r.opts.Grid.IsBlocked(pos.X, pos.Y) {
		return nil
	}
	return &pos
}
