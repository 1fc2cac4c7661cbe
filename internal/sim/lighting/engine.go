// Package lighting runs the day/night lighting simulation.
//
// An Engine is a single-threaded simulation owned by the goroutine running
// Run. Commands arriving on Inbox are latched and applied at the next tick
// boundary; each tick recomputes the active grid and sends only the tiles
// whose packed brightness changed to the attached consumers.
package lighting

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/gridhash"
	"tilecraft.ai/internal/sim/tuning"
)

type Config struct {
	TickInterval         time.Duration
	DefaultPrecisionBits int
	FoliagePenalty       int
	MorningHours         [2]int
	AfternoonHours       [2]int
	SnapshotEveryTicks   int

	// Now is the flash clock; nil means time.Now.
	Now func() time.Time
}

func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		TickInterval:         t.TickInterval(),
		DefaultPrecisionBits: t.DefaultPrecisionBits,
		FoliagePenalty:       t.Shadow.FoliagePenalty,
		MorningHours:         t.Shadow.MorningHours,
		AfternoonHours:       t.Shadow.AfternoonHours,
		SnapshotEveryTicks:   t.SnapshotEveryTicks,
	}
}

// Consumer receives LIGHT_DELTA batches. Sends never block: a consumer whose
// queue is full misses the batch and gets a full batch on its next send.
type Consumer struct {
	ID  string
	Out chan protocol.LightDeltaMsg
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

// TickLogEntry records one emitted delta batch.
type TickLogEntry struct {
	Tick    uint64   `json:"tick"`
	GridID  string   `json:"grid_id"`
	Hour    float64  `json:"hour"`
	Changed int      `json:"changed"`
	Values  []uint64 `json:"values"`
}

type Stats struct {
	Ticks       uint64 `json:"ticks"`
	Emitted     uint64 `json:"emitted"`
	LastChanged uint64 `json:"last_changed"`
	Failures    uint64 `json:"failures"`
	Dropped     uint64 `json:"dropped"`
	Ready       bool   `json:"ready"`
}

type gridState struct {
	layers *grid.Layered
	source protocol.GridV1
	cfg    protocol.GridConfigV1

	// Last packed value per origin hash.
	emitted map[gridhash.Hash]uint64
}

type consumerState struct {
	Consumer
	needFull bool

	// Integer hour of the last batch delivered.
	hour      int
	hourKnown bool
}

type pendingInputs struct {
	snapshot *protocol.SetGridSnapshotMsg
	active   *string
	hour     *float64
	flashes  []*protocol.FlashMsg
}

type Engine struct {
	cfg Config
	log logrus.FieldLogger

	inbox  chan protocol.Command
	attach chan Consumer
	detach chan string
	stop   chan struct{}

	tick     atomic.Uint64
	ready    atomic.Bool
	emitted  atomic.Uint64
	changed  atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64

	// Loop-owned state.
	grids      map[string]*gridState
	snapshotID string
	active     string
	hour       float64
	flashes    []flash
	consumers  map[string]*consumerState
	pending    pendingInputs

	tickLogger   TickLogger
	snapshotSink chan<- snapshot.SnapshotV1
}

func New(cfg Config, logger logrus.FieldLogger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Duration(tuning.Defaults().TickIntervalMs) * time.Millisecond
	}
	if cfg.DefaultPrecisionBits == 0 {
		cfg.DefaultPrecisionBits = gridhash.MaxBits
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		cfg:       cfg,
		log:       logger.WithField("component", "lighting"),
		inbox:     make(chan protocol.Command, 256),
		attach:    make(chan Consumer, 64),
		detach:    make(chan string, 64),
		stop:      make(chan struct{}),
		grids:     map[string]*gridState{},
		consumers: map[string]*consumerState{},
	}
}

func (e *Engine) SetTickLogger(l TickLogger)                    { e.tickLogger = l }
func (e *Engine) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { e.snapshotSink = ch }

func (e *Engine) Inbox() chan<- protocol.Command { return e.inbox }
func (e *Engine) Attach() chan<- Consumer        { return e.attach }
func (e *Engine) Detach() chan<- string          { return e.detach }

func (e *Engine) CurrentTick() uint64         { return e.tick.Load() }
func (e *Engine) Ready() bool                 { return e.ready.Load() }
func (e *Engine) TickInterval() time.Duration { return e.cfg.TickInterval }

func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:       e.tick.Load(),
		Emitted:     e.emitted.Load(),
		LastChanged: e.changed.Load(),
		Failures:    e.failures.Load(),
		Dropped:     e.dropped.Load(),
		Ready:       e.ready.Load(),
	}
}

// Run processes commands until ctx is done or Stop is called. Ticks start
// once an INITIALIZE command has been received.
func (e *Engine) Run(ctx context.Context) error {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case c := <-e.attach:
			e.handleAttach(c)
		case id := <-e.detach:
			e.handleDetach(id)
		case cmd := <-e.inbox:
			e.latch(cmd)
			if ticker == nil && e.ready.Load() {
				ticker = time.NewTicker(e.cfg.TickInterval)
				tickC = ticker.C
				e.log.WithField("interval", e.cfg.TickInterval).Info("lighting ready")
			}
		case <-tickC:
			e.step()
		}
	}
}

func (e *Engine) Stop() { close(e.stop) }

// StepOnce drains queued input, latches cmds and runs one tick regardless
// of the ready state. It must not be used while Run is active.
func (e *Engine) StepOnce(cmds ...protocol.Command) (protocol.LightDeltaMsg, bool) {
	e.drain()
	for _, c := range cmds {
		e.latch(c)
	}
	return e.step()
}

// ImportSnapshot latches the grids, hour and active grid of a snapshot.
func (e *Engine) ImportSnapshot(snap snapshot.SnapshotV1) {
	e.latch(protocol.NewSetGridSnapshot(snap.Header.SnapshotID, snap.Grids, snap.Configs))
	e.latch(protocol.NewSetHourOfDay(snap.Hour))
	if snap.ActiveGridID != "" {
		e.latch(protocol.NewSetActiveGrid(snap.ActiveGridID))
	}
}

// ExportSnapshot captures the last applied grid set. Loop-owned.
func (e *Engine) ExportSnapshot(nowTick uint64) snapshot.SnapshotV1 {
	ids := make([]string, 0, len(e.grids))
	for id := range e.grids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := snapshot.SnapshotV1{
		Header:       snapshot.Header{Version: snapshot.Version, SnapshotID: e.snapshotID, Tick: nowTick},
		Hour:         e.hour,
		ActiveGridID: e.active,
	}
	for _, id := range ids {
		g := e.grids[id]
		snap.Grids = append(snap.Grids, g.source)
		snap.Configs = append(snap.Configs, g.cfg)
	}
	return snap
}

func (e *Engine) handleAttach(c Consumer) {
	if c.ID == "" || c.Out == nil {
		return
	}
	e.consumers[c.ID] = &consumerState{Consumer: c, needFull: true}
	e.log.WithField("consumer", c.ID).Debug("consumer attached")
}

func (e *Engine) handleDetach(id string) {
	if _, ok := e.consumers[id]; !ok {
		return
	}
	delete(e.consumers, id)
	e.log.WithField("consumer", id).Debug("consumer detached")
}

func (e *Engine) drain() {
	for {
		select {
		case c := <-e.attach:
			e.handleAttach(c)
		case id := <-e.detach:
			e.handleDetach(id)
		case cmd := <-e.inbox:
			e.latch(cmd)
		default:
			return
		}
	}
}

// latch records a command for the next tick. Later values of the same kind
// replace earlier ones; flashes accumulate.
func (e *Engine) latch(cmd protocol.Command) {
	switch m := cmd.(type) {
	case *protocol.InitializeMsg:
		e.ready.Store(true)
	case *protocol.SetGridSnapshotMsg:
		e.pending.snapshot = m
	case *protocol.SetActiveGridMsg:
		id := m.GridID
		e.pending.active = &id
	case *protocol.SetHourOfDayMsg:
		h := m.Hour
		e.pending.hour = &h
	case *protocol.FlashMsg:
		e.pending.flashes = append(e.pending.flashes, m)
	case nil:
	default:
		e.log.WithField("type", cmd.CommandType()).Warn("ignoring unknown command")
	}
}
