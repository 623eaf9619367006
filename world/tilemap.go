package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// flippedGIDMask strips the horizontal/vertical/diagonal flip flags Tiled
// stores in the top three bits of a global tile id.
const flippedGIDMask = 0x1fffffff

// ErrInvalidMap is returned when a map asset lacks dimensions or a tileset.
var ErrInvalidMap = errors.New("invalid map definition")

// MapDefinition is the normalized subset of a Tiled JSON map the server needs.
type MapDefinition struct {
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
	Layers     []TileLayer
	Tileset    Tileset
}

// TileLayer is one tile layer: row-major global tile ids.
type TileLayer struct {
	Name  string
	Width int
	Data  []uint32
}

// Tileset describes the first tileset and which of its local ids collide.
type Tileset struct {
	FirstGID   uint32
	Columns    int
	Collidable map[uint32]struct{}
}

type rawMap struct {
	Width       *float64     `json:"width"`
	Height      *float64     `json:"height"`
	TileWidth   *float64     `json:"tilewidth"`
	TileHeight  *float64     `json:"tileheight"`
	TileWidthC  *float64     `json:"tileWidth"`
	TileHeightC *float64     `json:"tileHeight"`
	Layers      []rawLayer   `json:"layers"`
	Tilesets    []rawTileset `json:"tilesets"`
}

type rawLayer struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Width *float64 `json:"width"`
	Data  []uint32 `json:"data"`
}

type rawTileset struct {
	FirstGID *float64  `json:"firstgid"`
	Columns  float64   `json:"columns"`
	Tiles    []rawTile `json:"tiles"`
}

type rawTile struct {
	ID          *float64 `json:"id"`
	ObjectGroup *struct {
		Objects []struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"objects"`
	} `json:"objectgroup"`
}

// LoadMap reads and normalizes a map file.
func LoadMap(path string) (*MapDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map %s: %w", path, err)
	}
	def, err := ParseMap(raw)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return def, nil
}

// ParseMap normalizes a Tiled JSON map. Only tile layers are kept and only
// the first tileset is consulted.
func ParseMap(raw []byte) (*MapDefinition, error) {
	var m rawMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}

	tw := firstNonNil(m.TileWidth, m.TileWidthC)
	th := firstNonNil(m.TileHeight, m.TileHeightC)
	if intOf(m.Width) <= 0 || intOf(m.Height) <= 0 || intOf(tw) <= 0 || intOf(th) <= 0 || len(m.Tilesets) == 0 {
		return nil, fmt.Errorf("%w: missing dimensions or tileset", ErrInvalidMap)
	}
	ts := m.Tilesets[0]
	if ts.FirstGID == nil {
		return nil, fmt.Errorf("%w: tileset missing firstgid", ErrInvalidMap)
	}

	def := &MapDefinition{
		Width:      intOf(m.Width),
		Height:     intOf(m.Height),
		TileWidth:  intOf(tw),
		TileHeight: intOf(th),
		Tileset: Tileset{
			FirstGID:   uint32(*ts.FirstGID),
			Columns:    int(ts.Columns),
			Collidable: make(map[uint32]struct{}),
		},
	}

	for _, tile := range ts.Tiles {
		if tile.ID == nil || tile.ObjectGroup == nil {
			continue
		}
		for _, obj := range tile.ObjectGroup.Objects {
			if obj.Width > 0 && obj.Height > 0 {
				def.Tileset.Collidable[uint32(*tile.ID)] = struct{}{}
				break
			}
		}
	}

	for _, l := range m.Layers {
		if l.Type != "tilelayer" {
			continue
		}
		w := intOf(l.Width)
		if w <= 0 {
			w = def.Width
		}
		def.Layers = append(def.Layers, TileLayer{Name: l.Name, Width: w, Data: l.Data})
	}
	return def, nil
}

func firstNonNil(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

func intOf(f *float64) int {
	if f == nil {
		return 0
	}
	return int(*f)
}
