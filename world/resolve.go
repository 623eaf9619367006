package world

// Resolution is the outcome of one movement resolution. Velocity is the
// displacement actually applied by this call, not a per-second rate.
type Resolution struct {
	Position Vec
	Velocity Vec
}

// Resolve moves pos by (dx, dy) against b. The full diagonal move is tried
// first; when it is blocked the X axis is tried alone, then the Y axis from
// whichever X was kept. The order decides how players slide along corners
// and must not change.
func Resolve(b Blocker, pos Vec, dx, dy float64) Resolution {
	if dx == 0 && dy == 0 {
		return Resolution{Position: pos}
	}

	tx, ty := pos.X+dx, pos.Y+dy
	if !b.IsBlocked(tx, ty) {
		return Resolution{Position: Vec{X: tx, Y: ty}, Velocity: Vec{X: dx, Y: dy}}
	}

	next := pos
	if !b.IsBlocked(tx, pos.Y) {
		next.X = tx
	}
	if !b.IsBlocked(next.X, ty) {
		next.Y = ty
	}

	if next == pos {
		return Resolution{Position: pos}
	}
	return Resolution{
		Position: next,
		Velocity: Vec{X: next.X - pos.X, Y: next.Y - pos.Y},
	}
}
