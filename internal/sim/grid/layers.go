package grid

import (
	"fmt"

	"tilecraft.ai/internal/protocol"
)

// Layered holds one index per layer group of a grid.
type Layered struct {
	ID      string
	Outdoor bool
	Groups  [protocol.LayerGroups]*Index
}

func (l *Layered) Group(g protocol.LayerGroup) *Index { return l.Groups[g] }

// Build decodes a serialized grid. Layers are placed individually and then
// merged into their group in declaration order.
func Build(g protocol.GridV1, cfg protocol.GridConfigV1) (*Layered, error) {
	out := &Layered{ID: g.GridID, Outdoor: cfg.Outdoor}
	icfg := Config{PrecisionBits: cfg.PrecisionBits, Width: cfg.Width, Height: cfg.Height}
	for i := range out.Groups {
		idx, err := New(icfg)
		if err != nil {
			return nil, fmt.Errorf("grid %s: %w", g.GridID, err)
		}
		out.Groups[i] = idx
	}
	for _, layer := range g.Layers {
		idx, err := New(icfg)
		if err != nil {
			return nil, fmt.Errorf("grid %s: %w", g.GridID, err)
		}
		if err := idx.ImportTiles(layer.Tiles); err != nil {
			return nil, fmt.Errorf("grid %s layer %s: %w", g.GridID, layer.Name, err)
		}
		out.Groups[protocol.GroupForLayer(layer.Name)].Merge(idx)
	}
	return out, nil
}

// Merge copies src cells that are free in x. A solid cell replaces a foliage
// cell; otherwise the cell already in x wins.
func (x *Index) Merge(src *Index) {
	for h, r := range src.cells {
		cur, ok := x.cells[h]
		if ok && !(cur.Category == CategoryFoliage && r.Category != CategoryFoliage) {
			continue
		}
		x.cells[h] = r
		x.dirty = true
	}
}

func (x *Index) ImportTiles(tiles []protocol.TileV1) error {
	for _, t := range tiles {
		cat, err := ParseCategory(t.Category)
		if err != nil {
			return err
		}
		if _, err := x.Place(t.X, t.Y, Tile{Asset: t.Asset, Category: cat, W: t.W, H: t.H}); err != nil {
			return err
		}
	}
	return nil
}

// Tiles exports the origin records sorted by hash.
func (x *Index) Tiles() []protocol.TileV1 {
	origins := x.Origins()
	out := make([]protocol.TileV1, 0, len(origins))
	for _, h := range origins {
		r := x.cells[h]
		t := protocol.TileV1{X: r.OriginX, Y: r.OriginY, Category: r.Category.String(), Asset: r.Asset}
		if r.W > 1 {
			t.W = r.W
		}
		if r.H > 1 {
			t.H = r.H
		}
		out = append(out, t)
	}
	return out
}
