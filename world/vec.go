package world

import "math"

// Vec is a point or displacement in world units.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// IsZero reports whether both components are within eps of zero.
func (v Vec) IsZero(eps float64) bool {
	return math.Abs(v.X) <= eps && math.Abs(v.Y) <= eps
}

// Scale returns v multiplied by k.
func (v Vec) Scale(k float64) Vec {
	return Vec{X: v.X * k, Y: v.Y * k}
}

// Normalize returns the unit vector of v and its original length.
// The zero vector normalizes to itself with length 0.
func (v Vec) Normalize() (Vec, float64) {
	l := math.Hypot(v.X, v.Y)
	if l == 0 {
		return Vec{}, 0
	}
	return Vec{X: v.X / l, Y: v.Y / l}, l
}

// Round rounds both components to the given number of decimals.
func (v Vec) Round(places int) Vec {
	p := math.Pow10(places)
	// +0 folds negative zero so snapshots never serialize "-0".
	return Vec{X: math.Round(v.X*p)/p + 0, Y: math.Round(v.Y*p)/p + 0}
}
