package world

import "math"

// Blocker answers whether a world coordinate is impassable.
type Blocker interface {
	IsBlocked(x, y float64) bool
}

// Grid is the static collision grid derived from a map. It is never mutated
// after NewGrid returns and is safe for concurrent readers.
type Grid struct {
	width   int
	height  int
	blocked [][]bool
}

// NewGrid layers every tile layer of def and marks a cell blocked when any
// layer places a collidable tile on it.
func NewGrid(def *MapDefinition) *Grid {
	g := &Grid{
		width:   def.Width,
		height:  def.Height,
		blocked: make([][]bool, def.Height),
	}
	for y := range g.blocked {
		g.blocked[y] = make([]bool, def.Width)
	}
	if len(def.Tileset.Collidable) == 0 {
		return g
	}

	first := def.Tileset.FirstGID
	for _, layer := range def.Layers {
		for i, raw := range layer.Data {
			gid := raw & flippedGIDMask
			if gid == 0 || gid < first {
				continue
			}
			if _, ok := def.Tileset.Collidable[gid-first]; !ok {
				continue
			}
			x, y := i%layer.Width, i/layer.Width
			if x < def.Width && y < def.Height {
				g.blocked[y][x] = true
			}
		}
	}
	return g
}

// Width in cells.
func (g *Grid) Width() int { return g.width }

// Height in cells.
func (g *Grid) Height() int { return g.height }

// Cell maps a world coordinate to its cell. The grid is centred on the world
// origin, so cell (0,0) covers [-w/2, -w/2+1).
func (g *Grid) Cell(x, y float64) (cx, cy int) {
	return int(math.Floor(x + float64(g.width)/2)), int(math.Floor(y + float64(g.height)/2))
}

// IsBlocked reports whether (x, y) lies in a collidable cell. Everything
// outside the grid is blocked: the world has hard edges.
func (g *Grid) IsBlocked(x, y float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) {
		return true
	}
	cx, cy := g.Cell(x, y)
	if cx < 0 || cx >= g.width || cy < 0 || cy >= g.height {
		return true
	}
	return g.blocked[cy][cx]
}

// BlockedCells counts blocked cells, used for startup logging.
func (g *Grid) BlockedCells() int {
	n := 0
	for _, row := range g.blocked {
		for _, b := range row {
			if b {
				n++
			}
		}
	}
	return n
}
