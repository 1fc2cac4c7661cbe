package protocol

// Tile categories as they appear in serialized grids.
const (
	CategorySolid   = "SOLID"
	CategoryFoliage = "FOLIAGE"
)

// Layer names. Every layer other than background is merged into the
// primary group for lighting.
const (
	LayerNameBackground = "background"
	LayerNamePrimary    = "primary"
	LayerNameForeground = "foreground"
)

// GridV1 is the self-describing serialized form of one grid.
type GridV1 struct {
	GridID string    `json:"grid_id"`
	Layers []LayerV1 `json:"layers"`
}

type LayerV1 struct {
	Name  string   `json:"name"`
	Tiles []TileV1 `json:"tiles"`
}

// TileV1 is stored once at its origin cell; W/H default to 1.
type TileV1 struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	W        int    `json:"w,omitempty"`
	H        int    `json:"h,omitempty"`
	Category string `json:"category"`
	Asset    string `json:"asset,omitempty"`
}

// GridConfigV1 carries per-grid index parameters.
type GridConfigV1 struct {
	GridID        string `json:"grid_id"`
	PrecisionBits int    `json:"precision_bits"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Outdoor       bool   `json:"outdoor"`
}

// LayerGroup is one of the two independently simulated brightness buckets.
type LayerGroup uint8

const (
	LayerBackground LayerGroup = iota
	LayerPrimary

	LayerGroups = 2
)

func (g LayerGroup) String() string {
	if g == LayerBackground {
		return LayerNameBackground
	}
	return LayerNamePrimary
}

// GroupForLayer maps a layer name onto its group.
func GroupForLayer(name string) LayerGroup {
	if name == LayerNameBackground {
		return LayerBackground
	}
	return LayerPrimary
}
