package sim

import (
	"time"

	"go.uber.org/zap"

	"realmsync/state"
	"realmsync/tick"
	"realmsync/world"
)

const (
	// MovementEpsilon is the magnitude below which a vector counts as zero.
	MovementEpsilon = 0.0001

	// DefaultMaxDelta bounds the elapsed time one tick may integrate.
	DefaultMaxDelta = 150 * time.Millisecond
)

// PlayerStore is the subset of state.Store the integrator drives.
type PlayerStore interface {
	Len() int
	Each(fn func(state.Player))
	Update(userID int64, d state.Delta) (state.Player, error)
}

// Integrator advances every player along its stored intent once per tick.
type Integrator struct {
	store    PlayerStore
	grid     world.Blocker
	maxDelta time.Duration
	log      *zap.SugaredLogger
}

// NewIntegrator builds an integrator. A non-positive maxDelta disables
// clamping.
func NewIntegrator(store PlayerStore, grid world.Blocker, maxDelta time.Duration, log *zap.SugaredLogger) *Integrator {
	return &Integrator{store: store, grid: grid, maxDelta: maxDelta, log: log}
}

// Step integrates tc.Delta. The caller must hold the store's writer lock.
func (it *Integrator) Step(tc tick.Context) {
	if it.store.Len() == 0 {
		return
	}
	delta := tc.Delta
	if delta <= 0 {
		return
	}
	if it.maxDelta > 0 && delta > it.maxDelta {
		delta = it.maxDelta
	}
	seconds := delta.Seconds()

	var pending []pendingUpdate
	it.store.Each(func(p state.Player) {
		if d, ok := it.advance(p, seconds); ok {
			pending = append(pending, pendingUpdate{userID: p.UserID, delta: d})
		}
	})
	for _, u := range pending {
		if _, err := it.store.Update(u.userID, u.delta); err != nil {
			it.log.Warnw("integrate player", "userId", u.userID, "error", err)
		}
	}
}

type pendingUpdate struct {
	userID int64
	delta  state.Delta
}

// advance computes the delta for one player, or false when nothing changes.
func (it *Integrator) advance(p state.Player, seconds float64) (state.Delta, bool) {
	if p.Intent.IsZero(MovementEpsilon) {
		return settle(p)
	}

	step := p.Intent.Scale(seconds)
	if step.IsZero(MovementEpsilon) {
		return state.Delta{}, false
	}

	res := world.Resolve(it.grid, p.Position, step.X, step.Y)
	if res.Velocity.IsZero(MovementEpsilon) {
		return settle(p)
	}
	pos := res.Position
	vel := res.Velocity.Scale(1 / seconds)
	return state.Delta{Position: &pos, Velocity: &vel}, true
}

// settle zeroes a player's velocity once; at rest it is a no-op.
func settle(p state.Player) (state.Delta, bool) {
	if p.Velocity.IsZero(MovementEpsilon) {
		return state.Delta{}, false
	}
	zero := world.Vec{}
	return state.Delta{Velocity: &zero}, true
}
