package grid

import (
	"fmt"
	"strings"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridhash"
)

type Category uint8

const (
	CategorySolid Category = iota
	CategoryFoliage
)

func (c Category) String() string {
	if c == CategoryFoliage {
		return protocol.CategoryFoliage
	}
	return protocol.CategorySolid
}

func ParseCategory(s string) (Category, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case protocol.CategorySolid, "":
		return CategorySolid, nil
	case protocol.CategoryFoliage:
		return CategoryFoliage, nil
	default:
		return 0, fmt.Errorf("unknown tile category %q", s)
	}
}

// Tile is the payload of a placed tile.
type Tile struct {
	Asset    string
	Category Category
	W, H     int
}

// Record is stored per occupied cell. The origin cell holds the tile; every
// other covered cell holds a back-reference with Origin set to the origin hash.
type Record struct {
	Tile
	Origin  gridhash.Hash
	OriginX int
	OriginY int
}

func (r Record) IsOrigin(h gridhash.Hash) bool { return r.Origin == h }

func (t Tile) footprint() (w, h int) {
	w, h = t.W, t.H
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	return w, h
}

// Size is the tile footprint with zero dimensions read as 1.
func (r Record) Size() (w, h int) { return r.footprint() }
