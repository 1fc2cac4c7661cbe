package protocol

// Command is a UI -> simulation message. The simulation latches commands and
// applies them at the next tick boundary.
type Command interface {
	CommandType() string
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	TickIntervalMs  int    `json:"tick_interval_ms"`
	ActiveGridID    string `json:"active_grid_id,omitempty"`
}

// INITIALIZE starts the recurring simulation tick.
type InitializeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// SET_GRID_SNAPSHOT replaces the simulation's copy of every grid.
type SetGridSnapshotMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SnapshotID      string         `json:"snapshot_id"`
	Grids           []GridV1       `json:"grids"`
	Configs         []GridConfigV1 `json:"configs,omitempty"`
}

type SetActiveGridMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	GridID          string `json:"grid_id"`
}

// SET_HOUR_OF_DAY carries a fractional hour in [0, 24).
type SetHourOfDayMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Hour            float64 `json:"hour"`
}

// FLASH requests a transient indoor light over an inclusive cell rectangle.
type FlashMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Area            Area   `json:"area"`
	Intensity       int    `json:"intensity"`
	DurationMs      int    `json:"duration_ms"`
	Layer           string `json:"layer"`
}

type Area struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

func (a Area) Contains(gx, gy int) bool {
	x0, x1 := a.X0, a.X1
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	y0, y1 := a.Y0, a.Y1
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return gx >= x0 && gx <= x1 && gy >= y0 && gy <= y1
}

// LIGHT_DELTA (simulation -> UI). Values are packed wire integers, see PackWire.
// A full batch carries every tile of the grid and replaces the consumer's map.
type LightDeltaMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	GridID          string   `json:"grid_id"`
	Tick            uint64   `json:"tick"`
	Hour            float64  `json:"hour"`
	Full            bool     `json:"full,omitempty"`
	Values          []uint64 `json:"values"`
}

func (*InitializeMsg) CommandType() string      { return TypeInitialize }
func (*SetGridSnapshotMsg) CommandType() string { return TypeSetGridSnapshot }
func (*SetActiveGridMsg) CommandType() string   { return TypeSetActiveGrid }
func (*SetHourOfDayMsg) CommandType() string    { return TypeSetHourOfDay }
func (*FlashMsg) CommandType() string           { return TypeFlash }

func NewInitialize() *InitializeMsg {
	return &InitializeMsg{Type: TypeInitialize, ProtocolVersion: Version}
}

func NewSetActiveGrid(gridID string) *SetActiveGridMsg {
	return &SetActiveGridMsg{Type: TypeSetActiveGrid, ProtocolVersion: Version, GridID: gridID}
}

func NewSetHourOfDay(hour float64) *SetHourOfDayMsg {
	return &SetHourOfDayMsg{Type: TypeSetHourOfDay, ProtocolVersion: Version, Hour: hour}
}

func NewSetGridSnapshot(id string, grids []GridV1, configs []GridConfigV1) *SetGridSnapshotMsg {
	return &SetGridSnapshotMsg{Type: TypeSetGridSnapshot, ProtocolVersion: Version, SnapshotID: id, Grids: grids, Configs: configs}
}

func NewFlash(area Area, intensity, durationMs int, layer string) *FlashMsg {
	return &FlashMsg{Type: TypeFlash, ProtocolVersion: Version, Area: area, Intensity: intensity, DurationMs: durationMs, Layer: layer}
}
