// Package grid implements the sparse spatial index over tile cells.
//
// The primary structure maps a packed coordinate to its Record. A secondary
// column index (cells grouped by gx, sorted by gy) is derived from it and
// rebuilt as a unit, lazily, on the first column query after a write.
//
// An Index is owned by one goroutine; queries may rebuild the column index.
package grid

import (
	"errors"
	"fmt"
	"iter"
	"sort"

	"tilecraft.ai/internal/sim/gridhash"
)

var (
	ErrOutOfRange = errors.New("grid: coordinate out of range")
	ErrOccupied   = errors.New("grid: cell occupied")
	ErrNotReady   = errors.New("grid: column index not built")
)

type Config struct {
	PrecisionBits int
	// Width and Height bound the addressable area; zero means the full
	// span of the precision.
	Width  int
	Height int
}

// ColumnEntry is one occupied cell of a column.
type ColumnEntry struct {
	Hash gridhash.Hash
	GY   int
}

type Index struct {
	codec  gridhash.Codec
	width  int
	height int

	cells map[gridhash.Hash]Record

	dirty   bool
	columns map[int][]ColumnEntry
	colKeys []int // sorted gx of occupied columns
}

// New validates that the precision can address the requested area.
func New(cfg Config) (*Index, error) {
	codec, err := gridhash.NewCodec(cfg.PrecisionBits)
	if err != nil {
		return nil, err
	}
	w, h := cfg.Width, cfg.Height
	if w == 0 {
		w = codec.Span()
	}
	if h == 0 {
		h = codec.Span()
	}
	if w < 0 || h < 0 {
		return nil, fmt.Errorf("grid: negative size %dx%d", w, h)
	}
	if !codec.Fits(w, h) {
		return nil, fmt.Errorf("%w: %dx%d needs more than %d bits per axis", gridhash.ErrPrecision, w, h, cfg.PrecisionBits)
	}
	return &Index{
		codec:   codec,
		width:   w,
		height:  h,
		cells:   map[gridhash.Hash]Record{},
		columns: map[int][]ColumnEntry{},
	}, nil
}

func (x *Index) Codec() gridhash.Codec { return x.codec }
func (x *Index) Width() int            { return x.width }
func (x *Index) Height() int           { return x.height }
func (x *Index) Len() int              { return len(x.cells) }

// Ready reports whether the column index matches the primary mapping.
func (x *Index) Ready() bool { return !x.dirty }

func (x *Index) Hash(gx, gy int) gridhash.Hash { return x.codec.Pack(gx, gy) }

func (x *Index) InBounds(gx, gy int) bool {
	return gx >= 0 && gy >= 0 && gx < x.width && gy < x.height
}

func (x *Index) Get(h gridhash.Hash) (Record, bool) {
	r, ok := x.cells[h]
	return r, ok
}

func (x *Index) At(gx, gy int) (Record, bool) {
	if !x.InBounds(gx, gy) {
		return Record{}, false
	}
	return x.Get(x.codec.Pack(gx, gy))
}

// Upsert writes one cell. It does not maintain footprints; see Place.
func (x *Index) Upsert(h gridhash.Hash, rec Record) {
	x.cells[h] = rec
	x.dirty = true
}

func (x *Index) Remove(h gridhash.Hash) {
	if _, ok := x.cells[h]; !ok {
		return
	}
	delete(x.cells, h)
	x.dirty = true
}

// Place writes a tile at its origin and back-references over its footprint.
func (x *Index) Place(gx, gy int, t Tile) (gridhash.Hash, error) {
	w, h := t.footprint()
	if !x.InBounds(gx, gy) || !x.InBounds(gx+w-1, gy+h-1) {
		return 0, fmt.Errorf("%w: %dx%d tile at (%d,%d) in %dx%d grid", ErrOutOfRange, w, h, gx, gy, x.width, x.height)
	}
	for dx := 0; dx < w; dx++ {
		for dy := 0; dy < h; dy++ {
			if _, ok := x.cells[x.codec.Pack(gx+dx, gy+dy)]; ok {
				return 0, fmt.Errorf("%w: (%d,%d)", ErrOccupied, gx+dx, gy+dy)
			}
		}
	}
	t.W, t.H = w, h
	origin := x.codec.Pack(gx, gy)
	rec := Record{Tile: t, Origin: origin, OriginX: gx, OriginY: gy}
	for dx := 0; dx < w; dx++ {
		for dy := 0; dy < h; dy++ {
			x.cells[x.codec.Pack(gx+dx, gy+dy)] = rec
		}
	}
	x.dirty = true
	return origin, nil
}

// Erase removes the whole tile covering a cell.
func (x *Index) Erase(gx, gy int) bool {
	rec, ok := x.At(gx, gy)
	if !ok {
		return false
	}
	w, h := rec.footprint()
	for dx := 0; dx < w; dx++ {
		for dy := 0; dy < h; dy++ {
			delete(x.cells, x.codec.Pack(rec.OriginX+dx, rec.OriginY+dy))
		}
	}
	x.dirty = true
	return true
}

// All iterates every cell in unspecified order.
func (x *Index) All() iter.Seq2[gridhash.Hash, Record] {
	return func(yield func(gridhash.Hash, Record) bool) {
		for h, r := range x.cells {
			if !yield(h, r) {
				return
			}
		}
	}
}

// Origins returns the origin hashes in ascending order.
func (x *Index) Origins() []gridhash.Hash {
	out := make([]gridhash.Hash, 0, len(x.cells))
	for h, r := range x.cells {
		if r.IsOrigin(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RebuildSecondaryIndex regroups every cell by column and sorts each column
// by row. The previous column index is discarded, never patched.
func (x *Index) RebuildSecondaryIndex() {
	columns := make(map[int][]ColumnEntry, len(x.columns))
	for h := range x.cells {
		gx, gy := x.codec.Unpack(h)
		columns[gx] = append(columns[gx], ColumnEntry{Hash: h, GY: gy})
	}
	keys := make([]int, 0, len(columns))
	for gx, col := range columns {
		sort.Slice(col, func(i, j int) bool { return col[i].GY < col[j].GY })
		keys = append(keys, gx)
	}
	sort.Ints(keys)
	x.columns = columns
	x.colKeys = keys
	x.dirty = false
}

func (x *Index) ensureColumns() {
	if x.dirty {
		x.RebuildSecondaryIndex()
	}
}

// Column returns the cells of column gx sorted by row. The slice is shared
// with the index and must not be modified.
func (x *Index) Column(gx int) []ColumnEntry {
	x.ensureColumns()
	return x.columns[gx]
}

// ColumnTopmost returns the occupied cell with the smallest row in gx.
func (x *Index) ColumnTopmost(gx int) (ColumnEntry, bool) {
	col := x.Column(gx)
	if len(col) == 0 {
		return ColumnEntry{}, false
	}
	return col[0], true
}

// Above reports whether any cell of column gx lies strictly above row gy.
func (x *Index) Above(gx, gy int) bool {
	top, ok := x.ColumnTopmost(gx)
	return ok && top.GY < gy
}

// Below returns the first occupied cell of column gx at or below row gy.
func (x *Index) Below(gx, gy int) (ColumnEntry, bool) {
	col := x.Column(gx)
	i := sort.Search(len(col), func(i int) bool { return col[i].GY >= gy })
	if i == len(col) {
		return ColumnEntry{}, false
	}
	return col[i], true
}

// Columns returns the occupied column numbers in ascending order.
func (x *Index) Columns() []int {
	x.ensureColumns()
	return x.colKeys
}

// SliceByColumnRange yields every cell with gxStart <= gx <= gxEnd, column
// by column, top to bottom.
func (x *Index) SliceByColumnRange(gxStart, gxEnd int) iter.Seq2[gridhash.Hash, Record] {
	x.ensureColumns()
	keys := x.colKeys
	columns := x.columns
	cells := x.cells
	return func(yield func(gridhash.Hash, Record) bool) {
		i := sort.SearchInts(keys, gxStart)
		for ; i < len(keys) && keys[i] <= gxEnd; i++ {
			for _, e := range columns[keys[i]] {
				if !yield(e.Hash, cells[e.Hash]) {
					return
				}
			}
		}
	}
}

// ColumnRange is SliceByColumnRange for an index that must already be
// built. It reports ErrNotReady instead of rebuilding.
func (x *Index) ColumnRange(gxStart, gxEnd int, fn func(gridhash.Hash, Record) bool) error {
	if x.dirty {
		return ErrNotReady
	}
	for h, r := range x.SliceByColumnRange(gxStart, gxEnd) {
		if !fn(h, r) {
			break
		}
	}
	return nil
}

// WithoutCategory returns a copy of the index without cells of category c.
// The source is not modified.
func (x *Index) WithoutCategory(c Category) *Index {
	out := x.emptyLike()
	for h, r := range x.cells {
		if r.Category != c {
			out.cells[h] = r
		}
	}
	out.RebuildSecondaryIndex()
	return out
}

// Clone copies the primary mapping; the copy rebuilds its own columns.
func (x *Index) Clone() *Index {
	out := x.emptyLike()
	for h, r := range x.cells {
		out.cells[h] = r
	}
	out.dirty = true
	return out
}

func (x *Index) emptyLike() *Index {
	return &Index{
		codec:   x.codec,
		width:   x.width,
		height:  x.height,
		cells:   make(map[gridhash.Hash]Record, len(x.cells)),
		columns: map[int][]ColumnEntry{},
	}
}
