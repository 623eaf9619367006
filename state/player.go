package state

import (
	"time"

	"realmsync/protocol"
	"realmsync/world"
)

// snapshotPrecision is the number of decimals kept in broadcast snapshots.
const snapshotPrecision = 3

// Identity is the externally authenticated user bound to a connection.
type Identity struct {
	UserID   int64
	Username string
}

// Conn is what the store needs to know about a transport connection.
type Conn interface {
	ID() string
	Identity() (Identity, bool)
}

// Player is the authoritative simulation record of one user.
type Player struct {
	UserID    int64
	Username  string
	Position  world.Vec
	Velocity  world.Vec // units per second, derived
	Intent    world.Vec // direction * speed, authoritative input
	Sequence  uint64
	UpdatedAt time.Time
	ConnID    string
}

// View is the sanitized, wire-facing form of a Player.
type View struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Position  world.Vec `json:"position"`
	Velocity  world.Vec `json:"velocity"`
	Sequence  uint64    `json:"sequence"`
	UpdatedAt string    `json:"updatedAt"`
}

// View rounds the record for broadcast.
func (p Player) View() View {
	return View{
		UserID:    p.UserID,
		Username:  p.Username,
		Position:  p.Position.Round(snapshotPrecision),
		Velocity:  p.Velocity.Round(snapshotPrecision),
		Sequence:  p.Sequence,
		UpdatedAt: p.UpdatedAt.UTC().Format(protocol.TimeLayout),
	}
}

// Delta is a typed partial update. Nil fields are left untouched.
type Delta struct {
	Position *world.Vec
	Velocity *world.Vec
	Intent   *world.Vec
	// Sequence is applied as max(current, *Sequence) so it never decreases.
	Sequence *uint64
}

// Ptr returns a pointer to v, for building deltas inline.
func Ptr[T any](v T) *T { return &v }
