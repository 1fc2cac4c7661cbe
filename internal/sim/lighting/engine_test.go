package lighting

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/render/resultcache"
	"tilecraft.ai/internal/sim/gridhash"
	"tilecraft.ai/internal/sim/tuning"
)

type cell struct{ x, y int }

type stacks struct{ bg, fg protocol.Stack }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(t *testing.T, clock *fakeClock) *Engine {
	t.Helper()
	cfg := ConfigFromTuning(tuning.Defaults())
	if clock != nil {
		cfg.Now = clock.Now
	}
	return New(cfg, quietLogger())
}

func solid(x, y int) protocol.TileV1 {
	return protocol.TileV1{X: x, Y: y, Category: protocol.CategorySolid, Asset: "stone"}
}

func leaves(x, y int) protocol.TileV1 {
	return protocol.TileV1{X: x, Y: y, Category: protocol.CategoryFoliage, Asset: "leaves"}
}

func snapshotOf(id string, outdoor bool, layers ...protocol.LayerV1) *protocol.SetGridSnapshotMsg {
	return protocol.NewSetGridSnapshot("snap-"+id,
		[]protocol.GridV1{{GridID: id, Layers: layers}},
		[]protocol.GridConfigV1{{GridID: id, PrecisionBits: 16, Outdoor: outdoor}},
	)
}

func primary(tiles ...protocol.TileV1) protocol.LayerV1 {
	return protocol.LayerV1{Name: protocol.LayerNamePrimary, Tiles: tiles}
}

func decode(t *testing.T, values []uint64) map[cell]stacks {
	t.Helper()
	codec := gridhash.MustCodec(16)
	out := map[cell]stacks{}
	for _, v := range values {
		h, bg, fg := protocol.UnpackWire(v)
		x, y := codec.Unpack(gridhash.Hash(h))
		out[cell{x, y}] = stacks{bg: bg, fg: fg}
	}
	return out
}

func outdoorAt(t *testing.T, got map[cell]stacks, x, y int) int {
	t.Helper()
	s, ok := got[cell{x, y}]
	if !ok {
		t.Fatalf("no value for (%d,%d) in %v", x, y, got)
	}
	return int(s.fg.Outdoor)
}

func TestIllumination_ColumnDepth(t *testing.T) {
	e := newTestEngine(t, nil)
	msg, ok := e.StepOnce(
		snapshotOf("G", true, primary(solid(3, 0), solid(3, 1), solid(3, 2))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(10.5), // modifier 4
	)
	if !ok {
		t.Fatalf("expected first tick to emit")
	}
	got := decode(t, msg.Values)
	for y, want := range []int{4, 3, 2} {
		if v := outdoorAt(t, got, 3, y); v != want {
			t.Fatalf("(3,%d) outdoor=%d want %d", y, v, want)
		}
	}
	if msg.GridID != "G" || msg.Full {
		t.Fatalf("unexpected batch header: %+v", msg)
	}

	if msg, ok := e.StepOnce(); ok || len(msg.Values) != 0 {
		t.Fatalf("second tick should emit nothing, got %v", msg.Values)
	}
}

func TestIllumination_FoliageDoesNotBlock(t *testing.T) {
	e := newTestEngine(t, nil)
	msg, _ := e.StepOnce(
		snapshotOf("G", true, primary(solid(5, 10), leaves(5, 8))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12),
	)
	got := decode(t, msg.Values)
	if v := outdoorAt(t, got, 5, 10); v != 6 {
		t.Fatalf("solid under foliage outdoor=%d want 6", v)
	}
	if v := outdoorAt(t, got, 5, 8); v != 6 {
		t.Fatalf("foliage outdoor=%d want 6", v)
	}
}

func TestFoliageShadow_DirectlyBelow(t *testing.T) {
	e := newTestEngine(t, nil)
	msg, _ := e.StepOnce(
		snapshotOf("G", true, primary(leaves(5, 8), solid(5, 9), solid(5, 10), solid(8, 9))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12),
	)
	got := decode(t, msg.Values)
	if v := outdoorAt(t, got, 5, 9); v != 6-2 {
		t.Fatalf("shadowed tile outdoor=%d want 4", v)
	}
	if v := outdoorAt(t, got, 8, 9); v != 6 {
		t.Fatalf("control tile outdoor=%d want 6", v)
	}
	if v := outdoorAt(t, got, 5, 10); v != 5 {
		t.Fatalf("tile below shadowed tile outdoor=%d want 5", v)
	}
}

func TestFoliageShadow_Diagonals(t *testing.T) {
	ground := primary(leaves(5, 8), solid(4, 9), solid(5, 9), solid(6, 9))
	cases := []struct {
		name string
		hour float64
		want [3]int // x = 4, 5, 6
	}{
		{"morning", 9, [3]int{3, 1, 1}},
		{"noon", 12, [3]int{6, 4, 6}},
		{"afternoon", 16, [3]int{5, 5, 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			msg, _ := e.StepOnce(
				snapshotOf("G", true, ground),
				protocol.NewSetActiveGrid("G"),
				protocol.NewSetHourOfDay(tc.hour),
			)
			got := decode(t, msg.Values)
			for i, want := range tc.want {
				if v := outdoorAt(t, got, 4+i, 9); v != want {
					t.Fatalf("(%d,9) outdoor=%d want %d", 4+i, v, want)
				}
			}
		})
	}
}

func TestFoliageShadow_AtMostOncePerTile(t *testing.T) {
	e := newTestEngine(t, nil)
	msg, _ := e.StepOnce(
		snapshotOf("G", true, primary(leaves(5, 8), leaves(6, 8), solid(6, 9))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(9), // modifier 3, morning
	)
	if v := outdoorAt(t, decode(t, msg.Values), 6, 9); v != 1 {
		t.Fatalf("doubly shaded tile outdoor=%d want 1", v)
	}
}

func TestFoliageShadow_ObstructedFoliageCastsNone(t *testing.T) {
	e := newTestEngine(t, nil)
	msg, _ := e.StepOnce(
		snapshotOf("G", true, primary(solid(5, 2), leaves(5, 8), solid(5, 9))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12),
	)
	got := decode(t, msg.Values)
	if v := outdoorAt(t, got, 5, 9); v != 5 {
		t.Fatalf("(5,9) outdoor=%d want 5", v)
	}
	if v := outdoorAt(t, got, 5, 8); v != 5 {
		t.Fatalf("covered foliage outdoor=%d want 5", v)
	}
}

func TestIndoorGrid_NoDaylight(t *testing.T) {
	e := newTestEngine(t, nil)
	msg, _ := e.StepOnce(
		snapshotOf("CELLAR", false, primary(solid(1, 1))),
		protocol.NewSetActiveGrid("CELLAR"),
		protocol.NewSetHourOfDay(15),
	)
	if v := outdoorAt(t, decode(t, msg.Values), 1, 1); v != 0 {
		t.Fatalf("indoor grid outdoor=%d want 0", v)
	}
}

func TestLayerGroups_PackedTogether(t *testing.T) {
	e := newTestEngine(t, nil)
	bg := protocol.LayerV1{Name: protocol.LayerNameBackground, Tiles: []protocol.TileV1{solid(2, 0), solid(2, 1)}}
	msg, _ := e.StepOnce(
		snapshotOf("G", true, bg, primary(solid(2, 1))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(14),
	)
	got := decode(t, msg.Values)
	s := got[cell{2, 1}]
	if s.bg.Outdoor != 6 || s.fg.Outdoor != 7 {
		t.Fatalf("(2,1) stacks=%+v want bg 6 fg 7", s)
	}
	if top := got[cell{2, 0}]; top.bg.Outdoor != 7 || top.fg != (protocol.Stack{}) {
		t.Fatalf("(2,0) stacks=%+v", top)
	}
}

func TestFlash_ExpiresOnClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := newTestEngine(t, clock)
	area := protocol.Area{X0: 0, Y0: 0, X1: 3, Y1: 3}
	msg, _ := e.StepOnce(
		snapshotOf("G", true, primary(solid(1, 1), solid(9, 9))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(4),
		protocol.NewFlash(area, 5, 300, protocol.LayerNamePrimary),
		protocol.NewFlash(area, 3, 300, protocol.LayerNamePrimary),
		protocol.NewFlash(area, 9, 300, protocol.LayerNameBackground),
	)
	got := decode(t, msg.Values)
	if s := got[cell{1, 1}]; s.fg.Indoor != 5 || s.bg != (protocol.Stack{}) {
		t.Fatalf("flashed tile stacks=%+v", s)
	}
	if s := got[cell{9, 9}]; s.fg.Indoor != 0 {
		t.Fatalf("tile outside area lit: %+v", s)
	}

	clock.Advance(100 * time.Millisecond)
	if _, ok := e.StepOnce(); ok {
		t.Fatalf("flash still active, nothing should change")
	}
	clock.Advance(250 * time.Millisecond)
	msg, ok := e.StepOnce()
	if !ok {
		t.Fatalf("expected delta once flash expired")
	}
	got = decode(t, msg.Values)
	if len(got) != 1 || got[cell{1, 1}].fg.Indoor != 0 {
		t.Fatalf("expected only (1,1) back to dark, got %+v", got)
	}
}

func TestMalformedSnapshot_KeepsLastGood(t *testing.T) {
	e := newTestEngine(t, nil)
	e.StepOnce(
		snapshotOf("G", true, primary(solid(0, 0))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12),
	)
	bad := snapshotOf("G", true, primary(protocol.TileV1{X: 0, Y: 0, Category: "LAVA"}))
	if _, ok := e.StepOnce(bad); ok {
		t.Fatalf("rejected snapshot must not change output")
	}
	overlap := snapshotOf("G", true, primary(solid(0, 0), protocol.TileV1{X: 0, Y: 0, W: 2, Category: protocol.CategorySolid}))
	if _, ok := e.StepOnce(overlap); ok {
		t.Fatalf("overlapping snapshot must not change output")
	}
	msg, ok := e.StepOnce(protocol.NewSetHourOfDay(8))
	if !ok {
		t.Fatalf("engine should keep simulating the last good grid")
	}
	if v := outdoorAt(t, decode(t, msg.Values), 0, 0); v != 2 {
		t.Fatalf("outdoor=%d want 2", v)
	}
}

func TestConsumers_FullBatchAndResync(t *testing.T) {
	e := newTestEngine(t, nil)
	e.StepOnce(
		snapshotOf("G", true, primary(solid(0, 0), solid(1, 0))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12),
	)

	out := make(chan protocol.LightDeltaMsg, 1)
	e.Attach() <- Consumer{ID: "ui", Out: out}
	e.StepOnce()
	first := <-out
	if !first.Full || len(first.Values) != 2 {
		t.Fatalf("new consumer should get a full batch, got %+v", first)
	}

	e.StepOnce(protocol.NewSetHourOfDay(13))
	if d := <-out; d.Full || len(d.Values) != 2 {
		t.Fatalf("expected a delta, got %+v", d)
	}

	// Queue fills and the next batch is dropped.
	e.StepOnce(protocol.NewSetHourOfDay(20))
	e.StepOnce(protocol.NewSetHourOfDay(21))
	if d := <-out; d.Hour != 20 {
		t.Fatalf("expected queued hour 20 batch, got %+v", d)
	}
	e.StepOnce()
	resync := <-out
	if !resync.Full || len(resync.Values) != 2 {
		t.Fatalf("expected resync full batch, got %+v", resync)
	}
	if v := outdoorAt(t, decode(t, resync.Values), 0, 0); v != 5 {
		t.Fatalf("resync outdoor=%d want 5", v)
	}
	if e.Stats().Dropped != 1 {
		t.Fatalf("dropped=%d", e.Stats().Dropped)
	}

	e.Detach() <- "ui"
	e.StepOnce(protocol.NewSetHourOfDay(22))
	select {
	case d := <-out:
		t.Fatalf("detached consumer received %+v", d)
	default:
	}
}

func TestConsumers_HourFramesKeepPreviousAcrossPlateau(t *testing.T) {
	e := newTestEngine(t, nil)
	out := make(chan protocol.LightDeltaMsg, 4)
	e.Attach() <- Consumer{ID: "ui", Out: out}
	cache := resultcache.New(nil, quietLogger())
	if err := cache.RegisterGrid("G", 16); err != nil {
		t.Fatalf("RegisterGrid: %v", err)
	}

	e.StepOnce(snapshotOf("G", true, primary(solid(0, 0))), protocol.NewSetActiveGrid("G"))
	for h := 12; h <= 20; h++ {
		_, ok := e.StepOnce(protocol.NewSetHourOfDay(float64(h)))
		if h >= 14 && h <= 19 && ok {
			t.Fatalf("hour %d: plateau tick should not emit", h)
		}
		for len(out) > 0 {
			if err := cache.Apply(<-out); err != nil {
				t.Fatalf("Apply: %v", err)
			}
		}
		if got, _ := cache.Hour("G"); got != h {
			t.Fatalf("cache hour=%d want %d", got, h)
		}
		if h > 12 && !cache.HasPrevious("G") {
			t.Fatalf("hour %d: previous discarded on a one-hour advance", h)
		}
	}
	if _, outdoor, _ := cache.BrightnessAt("G", 0, 0, protocol.LayerPrimary); outdoor != 6 {
		t.Fatalf("outdoor=%d want 6 at hour 20", outdoor)
	}

	// Same hour again: nothing to send.
	e.StepOnce()
	if len(out) != 0 {
		t.Fatalf("unexpected frame %+v", <-out)
	}
}

func TestSnapshotRemovingTiles_SendsFull(t *testing.T) {
	e := newTestEngine(t, nil)
	out := make(chan protocol.LightDeltaMsg, 4)
	e.Attach() <- Consumer{ID: "ui", Out: out}
	e.StepOnce(
		snapshotOf("G", true, primary(solid(0, 0), solid(1, 0))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12),
	)
	if d := <-out; !d.Full || len(d.Values) != 2 {
		t.Fatalf("expected initial full batch, got %+v", d)
	}

	e.StepOnce(snapshotOf("G", true, primary(solid(0, 0))))
	d := <-out
	if !d.Full || len(d.Values) != 1 {
		t.Fatalf("expected full batch after removal, got %+v", d)
	}
	got := decode(t, d.Values)
	if _, ok := got[cell{1, 0}]; ok {
		t.Fatalf("removed tile still reported: %v", got)
	}
	outdoorAt(t, got, 0, 0)

	// Steady state again: no further frames.
	e.StepOnce()
	if len(out) != 0 {
		t.Fatalf("unexpected frame %+v", <-out)
	}
}

func TestActiveGridSwitch_SendsFull(t *testing.T) {
	e := newTestEngine(t, nil)
	snap := protocol.NewSetGridSnapshot("two",
		[]protocol.GridV1{
			{GridID: "A", Layers: []protocol.LayerV1{primary(solid(0, 0))}},
			{GridID: "B", Layers: []protocol.LayerV1{primary(solid(0, 0), solid(0, 1))}},
		}, nil)
	out := make(chan protocol.LightDeltaMsg, 4)
	e.Attach() <- Consumer{ID: "ui", Out: out}
	e.StepOnce(snap, protocol.NewSetActiveGrid("A"), protocol.NewSetHourOfDay(12))
	if d := <-out; !d.Full || d.GridID != "A" {
		t.Fatalf("expected full batch for A, got %+v", d)
	}
	e.StepOnce(protocol.NewSetActiveGrid("B"))
	d := <-out
	if !d.Full || d.GridID != "B" || len(d.Values) != 2 {
		t.Fatalf("expected full batch for B, got %+v", d)
	}
}

type recordingLogger struct{ entries []TickLogEntry }

func (r *recordingLogger) WriteTick(e TickLogEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func TestTickLoggerAndSnapshotSink(t *testing.T) {
	e := newTestEngine(t, nil)
	e.cfg.SnapshotEveryTicks = 2
	rec := &recordingLogger{}
	e.SetTickLogger(rec)
	sink := make(chan snapshot.SnapshotV1, 1)
	e.SetSnapshotSink(sink)

	e.StepOnce(
		snapshotOf("G", true, primary(solid(0, 0))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(12.25),
	)
	e.StepOnce()
	e.StepOnce()

	if len(rec.entries) != 1 || rec.entries[0].Changed != 1 || rec.entries[0].Tick != 0 {
		t.Fatalf("tick log entries=%+v", rec.entries)
	}
	select {
	case snap := <-sink:
		if snap.Header.Tick != 2 || snap.ActiveGridID != "G" || snap.Hour != 12.25 || len(snap.Grids) != 1 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	default:
		t.Fatalf("expected a snapshot at tick 2")
	}
}

func TestImportExportSnapshot(t *testing.T) {
	src := newTestEngine(t, nil)
	src.StepOnce(
		snapshotOf("G", true, primary(solid(0, 0), leaves(0, 3))),
		protocol.NewSetActiveGrid("G"),
		protocol.NewSetHourOfDay(16),
	)
	snap := src.ExportSnapshot(src.CurrentTick())

	dst := newTestEngine(t, nil)
	dst.ImportSnapshot(snap)
	a, _ := dst.StepOnce()
	b, _ := src.StepOnce(protocol.NewSetHourOfDay(20))
	c, _ := dst.StepOnce(protocol.NewSetHourOfDay(20))
	if len(a.Values) != 2 || len(b.Values) != 2 || len(c.Values) != 2 || b.Values[0] != c.Values[0] {
		t.Fatalf("restored engine diverged: %v / %v / %v", a.Values, b.Values, c.Values)
	}
}

func TestRun_TicksAfterInitialize(t *testing.T) {
	cfg := ConfigFromTuning(tuning.Defaults())
	cfg.TickInterval = 5 * time.Millisecond
	e := New(cfg, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	out := make(chan protocol.LightDeltaMsg, 8)
	e.Attach() <- Consumer{ID: "ui", Out: out}
	e.Inbox() <- snapshotOf("G", true, primary(solid(0, 0)))
	e.Inbox() <- protocol.NewSetActiveGrid("G")
	e.Inbox() <- protocol.NewSetHourOfDay(12)

	time.Sleep(30 * time.Millisecond)
	if e.Ready() || e.CurrentTick() != 0 {
		t.Fatalf("engine ticked before INITIALIZE")
	}

	e.Inbox() <- protocol.NewInitialize()
	select {
	case d := <-out:
		if !d.Full || len(d.Values) != 1 {
			t.Fatalf("unexpected first batch %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no batch after INITIALIZE")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}
