package lighting

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/daycycle"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/gridhash"
)

type flash struct {
	area      protocol.Area
	intensity int
	group     protocol.LayerGroup
	expires   time.Time
}

// step runs one tick. A panic inside the tick is logged and the tick is
// dropped; state from before the tick is kept.
func (e *Engine) step() (out protocol.LightDeltaMsg, emitted bool) {
	nowTick := e.tick.Load()
	defer e.tick.Add(1)
	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			e.log.WithFields(logrus.Fields{"tick": nowTick, "panic": fmt.Sprint(r)}).Error("lighting tick failed")
			out, emitted = protocol.LightDeltaMsg{}, false
		}
	}()

	now := e.cfg.Now()
	e.applyPending(now)
	e.expireFlashes(now)
	e.maybeSnapshot(nowTick)

	g := e.grids[e.active]
	if g == nil {
		return protocol.LightDeltaMsg{}, false
	}

	values := e.simulate(g, daycycle.Hour(e.hour), now)
	changed, removed := diff(g.emitted, values)
	g.emitted = values
	if removed {
		// Deltas cannot express a vanished origin; consumers replace instead.
		e.markAllFull()
	}
	if changed == nil {
		changed = []uint64{}
	}

	out = protocol.LightDeltaMsg{
		Type:            protocol.TypeLightDelta,
		ProtocolVersion: protocol.Version,
		GridID:          e.active,
		Tick:            nowTick,
		Hour:            e.hour,
		Values:          changed,
	}
	e.changed.Store(uint64(len(changed)))
	e.publish(out, g)

	if len(changed) == 0 {
		return out, false
	}
	e.emitted.Add(1)
	if e.tickLogger != nil {
		entry := TickLogEntry{Tick: nowTick, GridID: e.active, Hour: e.hour, Changed: len(changed), Values: changed}
		if err := e.tickLogger.WriteTick(entry); err != nil {
			e.log.WithError(err).Warn("tick log write failed")
		}
	}
	return out, true
}

func (e *Engine) applyPending(now time.Time) {
	p := e.pending
	e.pending = pendingInputs{}

	if p.snapshot != nil {
		if err := e.applySnapshot(p.snapshot); err != nil {
			e.log.WithError(err).WithField("snapshot_id", p.snapshot.SnapshotID).Error("rejecting grid snapshot")
		}
	}
	if p.active != nil && *p.active != e.active {
		if _, ok := e.grids[*p.active]; !ok {
			e.log.WithField("grid_id", *p.active).Warn("active grid not in snapshot")
		}
		e.active = *p.active
		e.markAllFull()
	}
	if p.hour != nil {
		h := *p.hour
		if h < 0 || h >= daycycle.HoursPerDay {
			e.log.WithField("hour", h).Warn("hour outside [0, 24), wrapping")
		}
		e.hour = h
	}
	for _, f := range p.flashes {
		if f.DurationMs <= 0 {
			continue
		}
		e.flashes = append(e.flashes, flash{
			area:      f.Area,
			intensity: f.Intensity,
			group:     protocol.GroupForLayer(f.Layer),
			expires:   now.Add(time.Duration(f.DurationMs) * time.Millisecond),
		})
	}
}

// applySnapshot builds every grid before swapping any in, so a bad snapshot
// leaves the previous grid set in place.
func (e *Engine) applySnapshot(m *protocol.SetGridSnapshotMsg) error {
	cfgs := make(map[string]protocol.GridConfigV1, len(m.Configs))
	for _, c := range m.Configs {
		cfgs[c.GridID] = c
	}
	next := make(map[string]*gridState, len(m.Grids))
	resync := false
	for _, src := range m.Grids {
		if src.GridID == "" {
			return fmt.Errorf("grid without id")
		}
		if _, dup := next[src.GridID]; dup {
			return fmt.Errorf("duplicate grid %s", src.GridID)
		}
		cfg, ok := cfgs[src.GridID]
		if !ok {
			cfg = protocol.GridConfigV1{GridID: src.GridID, PrecisionBits: e.cfg.DefaultPrecisionBits, Outdoor: true}
		}
		if cfg.PrecisionBits == 0 {
			cfg.PrecisionBits = e.cfg.DefaultPrecisionBits
		}
		layers, err := grid.Build(src, cfg)
		if err != nil {
			return err
		}
		gs := &gridState{layers: layers, source: src, cfg: cfg, emitted: map[gridhash.Hash]uint64{}}
		if old := e.grids[src.GridID]; old != nil {
			if old.cfg.PrecisionBits == cfg.PrecisionBits {
				gs.emitted = old.emitted
			} else if src.GridID == e.active {
				resync = true
			}
		}
		next[src.GridID] = gs
	}
	e.grids = next
	if resync {
		e.markAllFull()
	}
	e.snapshotID = m.SnapshotID
	e.log.WithFields(logrus.Fields{"snapshot_id": m.SnapshotID, "grids": len(next)}).Info("grid snapshot applied")
	return nil
}

func (e *Engine) expireFlashes(now time.Time) {
	kept := e.flashes[:0]
	for _, f := range e.flashes {
		if now.Before(f.expires) {
			kept = append(kept, f)
		}
	}
	e.flashes = kept
}

// simulate computes the packed wire value of every tile origin of g.
func (e *Engine) simulate(g *gridState, hour int, now time.Time) map[gridhash.Hash]uint64 {
	mod := 0
	if g.layers.Outdoor {
		mod = daycycle.OutsideModifier(hour)
	}
	stacks := map[gridhash.Hash]*[protocol.LayerGroups]protocol.Stack{}
	for gi := range g.layers.Groups {
		group := protocol.LayerGroup(gi)
		idx := g.layers.Group(group)
		if idx.Len() == 0 {
			continue
		}
		outdoor := e.outdoorPass(idx, mod, hour)
		indoor := e.indoorPass(idx, group)
		for h, o := range outdoor {
			st := stacks[h]
			if st == nil {
				st = &[protocol.LayerGroups]protocol.Stack{}
				stacks[h] = st
			}
			st[group] = protocol.NewStack(indoor[h], o)
		}
	}
	out := make(map[gridhash.Hash]uint64, len(stacks))
	for h, st := range stacks {
		out[h] = protocol.PackWire(uint32(h), st[protocol.LayerBackground], st[protocol.LayerPrimary])
	}
	return out
}

// outdoorPass returns the outdoor level of every origin in idx.
func (e *Engine) outdoorPass(idx *grid.Index, mod, hour int) map[gridhash.Hash]int {
	solid := idx.WithoutCategory(grid.CategoryFoliage)
	out := illuminate(solid, mod)

	var foliage []grid.Record
	for h, r := range idx.All() {
		if r.Category == grid.CategoryFoliage && r.IsOrigin(h) {
			foliage = append(foliage, r)
		}
	}
	sort.Slice(foliage, func(i, j int) bool {
		if foliage[i].OriginX != foliage[j].OriginX {
			return foliage[i].OriginX < foliage[j].OriginX
		}
		return foliage[i].OriginY < foliage[j].OriginY
	})
	for _, r := range foliage {
		out[r.Origin] = clampZero(mod - depthAbove(solid, r.OriginX, r.OriginY))
	}
	e.shadowPass(solid, foliage, out, hour)
	return out
}

// illuminate gives each origin mod minus the number of cells above it in
// its column.
func illuminate(idx *grid.Index, mod int) map[gridhash.Hash]int {
	out := make(map[gridhash.Hash]int, idx.Len())
	for _, gx := range idx.Columns() {
		for depth, c := range idx.Column(gx) {
			if r, ok := idx.Get(c.Hash); ok && r.IsOrigin(c.Hash) {
				out[c.Hash] = clampZero(mod - depth)
			}
		}
	}
	return out
}

func depthAbove(idx *grid.Index, gx, gy int) int {
	col := idx.Column(gx)
	return sort.Search(len(col), func(i int) bool { return col[i].GY >= gy })
}

// shadowPass darkens the solid tiles directly beneath unobstructed foliage,
// plus one diagonal cell while the sun is low. A tile is darkened at most
// once per tick.
func (e *Engine) shadowPass(solid *grid.Index, foliage []grid.Record, out map[gridhash.Hash]int, hour int) {
	penalty := e.cfg.FoliagePenalty
	if penalty <= 0 || len(foliage) == 0 {
		return
	}
	morning := daycycle.InWindow(hour, e.cfg.MorningHours[0], e.cfg.MorningHours[1])
	afternoon := daycycle.InWindow(hour, e.cfg.AfternoonHours[0], e.cfg.AfternoonHours[1])

	shaded := map[gridhash.Hash]bool{}
	darken := func(gx, gy int) {
		r, ok := solid.At(gx, gy)
		if !ok || shaded[r.Origin] {
			return
		}
		shaded[r.Origin] = true
		out[r.Origin] = clampZero(out[r.Origin] - penalty)
	}
	for _, f := range foliage {
		w, h := f.Size()
		blocked := false
		for dx := 0; dx < w && !blocked; dx++ {
			blocked = solid.Above(f.OriginX+dx, f.OriginY)
		}
		if blocked {
			continue
		}
		below := f.OriginY + h
		for dx := 0; dx < w; dx++ {
			darken(f.OriginX+dx, below)
		}
		if morning {
			darken(f.OriginX+w, below)
		}
		if afternoon {
			darken(f.OriginX-1, below)
		}
	}
}

// indoorPass returns the strongest active flash covering each origin of idx.
func (e *Engine) indoorPass(idx *grid.Index, group protocol.LayerGroup) map[gridhash.Hash]int {
	out := map[gridhash.Hash]int{}
	for _, f := range e.flashes {
		if f.group != group || f.intensity <= 0 {
			continue
		}
		x0, x1 := f.area.X0, f.area.X1
		if x0 > x1 {
			x0, x1 = x1, x0
		}
		for h, r := range idx.SliceByColumnRange(x0, x1) {
			if !r.IsOrigin(h) || !f.area.Contains(r.OriginX, r.OriginY) {
				continue
			}
			if f.intensity > out[h] {
				out[h] = f.intensity
			}
		}
	}
	return out
}

// diff returns the sorted values of next that are new or differ from prev,
// and whether any origin in prev is absent from next.
func diff(prev, next map[gridhash.Hash]uint64) (changed []uint64, removed bool) {
	for h, v := range next {
		if old, ok := prev[h]; !ok || old != v {
			changed = append(changed, v)
		}
	}
	for h := range prev {
		if _, ok := next[h]; !ok {
			removed = true
			break
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, removed
}

func fullValues(m map[gridhash.Hash]uint64) []uint64 {
	out := make([]uint64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// publish sends the delta to every consumer. Consumers flagged for resync
// get a full batch instead. A consumer that has not yet seen the current
// integer hour gets the batch even when it carries no values.
func (e *Engine) publish(delta protocol.LightDeltaMsg, g *gridState) {
	if len(e.consumers) == 0 {
		return
	}
	ids := make([]string, 0, len(e.consumers))
	for id := range e.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hour := daycycle.Hour(delta.Hour)
	var full *protocol.LightDeltaMsg
	for _, id := range ids {
		c := e.consumers[id]
		msg := delta
		if c.needFull {
			if full == nil {
				f := delta
				f.Full = true
				f.Values = fullValues(g.emitted)
				full = &f
			}
			msg = *full
		} else if len(msg.Values) == 0 && c.hourKnown && c.hour == hour {
			continue
		}
		select {
		case c.Out <- msg:
			c.needFull = false
			c.hour, c.hourKnown = hour, true
		default:
			if !c.needFull {
				e.log.WithField("consumer", id).Warn("consumer queue full, scheduling resync")
			}
			c.needFull = true
			e.dropped.Add(1)
		}
	}
}

func (e *Engine) markAllFull() {
	for _, c := range e.consumers {
		c.needFull = true
	}
}

func (e *Engine) maybeSnapshot(nowTick uint64) {
	every := uint64(e.cfg.SnapshotEveryTicks)
	if e.snapshotSink == nil || every == 0 || nowTick == 0 || nowTick%every != 0 || len(e.grids) == 0 {
		return
	}
	select {
	case e.snapshotSink <- e.ExportSnapshot(nowTick):
	default:
		e.log.WithField("tick", nowTick).Warn("snapshot sink busy, skipping")
	}
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
