// Package resultcache keeps the consumer-side copy of lighting results.
//
// Per grid it holds the current brightness of every tile and, while the
// hour advances one step at a time, the brightness as of the previous hour
// so a renderer can cross-fade between the two.
package resultcache

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/daycycle"
	"tilecraft.ai/internal/sim/gridhash"
)

var ErrUnknownGrid = errors.New("resultcache: unknown grid")

// Entry is the brightness of one tile in both layer groups.
type Entry struct {
	Background protocol.Stack
	Primary    protocol.Stack
}

func (e Entry) Group(g protocol.LayerGroup) protocol.Stack {
	if g == protocol.LayerBackground {
		return e.Background
	}
	return e.Primary
}

// Images resolves a brightness variant of an asset. imagecache.Cache
// implements it.
type Images interface {
	VariantFor(assetID string, s protocol.Stack, night bool) (image.Image, error)
}

type gridCache struct {
	codec    gridhash.Codec
	current  map[gridhash.Hash]Entry
	previous map[gridhash.Hash]Entry // nil when absent
	hour     int
	prevHour int
	hasHour  bool
	lastTick uint64
}

// Cache is safe for concurrent use; Apply is expected from a single writer.
type Cache struct {
	log    logrus.FieldLogger
	images Images

	mu    sync.RWMutex
	grids map[string]*gridCache
}

func New(images Images, logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		log:    logger.WithField("component", "resultcache"),
		images: images,
		grids:  map[string]*gridCache{},
	}
}

// RegisterGrid adds a grid, or clears it when the precision changed.
func (c *Cache) RegisterGrid(gridID string, precisionBits int) error {
	codec, err := gridhash.NewCodec(precisionBits)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.grids[gridID]; ok && g.codec == codec {
		return nil
	}
	c.grids[gridID] = &gridCache{codec: codec, current: map[gridhash.Hash]Entry{}}
	return nil
}

func (c *Cache) RegisterConfigs(cfgs []protocol.GridConfigV1) error {
	for _, cfg := range cfgs {
		if err := c.RegisterGrid(cfg.GridID, cfg.PrecisionBits); err != nil {
			return fmt.Errorf("grid %s: %w", cfg.GridID, err)
		}
	}
	return nil
}

func (c *Cache) Grids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.grids))
	for id := range c.grids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Apply merges a LIGHT_DELTA batch. A batch for an unregistered grid is
// dropped with a warning. When the batch's integer hour is exactly one past
// the cached hour, current is copied to previous first; any other hour
// change discards previous.
func (c *Cache) Apply(msg protocol.LightDeltaMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.grids[msg.GridID]
	if !ok {
		c.log.WithFields(logrus.Fields{"grid_id": msg.GridID, "tick": msg.Tick}).Warn("dropping batch for unknown grid")
		return fmt.Errorf("%w: %s", ErrUnknownGrid, msg.GridID)
	}

	hour := daycycle.Hour(msg.Hour)
	if g.hasHour && hour != g.hour {
		if daycycle.Advance(g.hour, hour) == 1 {
			g.previous = cloneEntries(g.current)
			g.prevHour = g.hour
		} else {
			if g.previous != nil {
				c.log.WithFields(logrus.Fields{"grid_id": msg.GridID, "from": g.hour, "to": hour}).Debug("hour jumped, discarding previous")
			}
			g.previous = nil
		}
	}
	g.hour = hour
	g.hasHour = true
	g.lastTick = msg.Tick

	if msg.Full {
		g.current = make(map[gridhash.Hash]Entry, len(msg.Values))
	}
	limit := uint64(1) << (2 * g.codec.Bits())
	skipped := 0
	for _, v := range msg.Values {
		h, bg, fg := protocol.UnpackWire(v)
		if uint64(h) >= limit {
			skipped++
			continue
		}
		g.current[gridhash.Hash(h)] = Entry{Background: bg, Primary: fg}
	}
	if skipped > 0 {
		c.log.WithFields(logrus.Fields{"grid_id": msg.GridID, "skipped": skipped}).Warn("values outside grid precision")
	}
	return nil
}

// BrightnessFor returns the (indoor, outdoor) pair of a tile. Tiles with no
// result yet read as dark.
func (c *Cache) BrightnessFor(gridID string, h gridhash.Hash, group protocol.LayerGroup) (indoor, outdoor uint8, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grids[gridID]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownGrid, gridID)
	}
	s := g.current[h].Group(group)
	return s.Indoor, s.Outdoor, nil
}

// BrightnessAt is BrightnessFor addressed by cell coordinates.
func (c *Cache) BrightnessAt(gridID string, gx, gy int, group protocol.LayerGroup) (indoor, outdoor uint8, err error) {
	c.mu.RLock()
	g, ok := c.grids[gridID]
	c.mu.RUnlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownGrid, gridID)
	}
	return c.BrightnessFor(gridID, g.codec.Pack(gx, gy), group)
}

// ImageVariantsFor returns the current and previous-hour variants of an
// asset for a tile. Without a previous snapshot both are the current one.
func (c *Cache) ImageVariantsFor(assetID, gridID string, h gridhash.Hash, group protocol.LayerGroup) (cur, prev image.Image, err error) {
	if c.images == nil {
		return nil, nil, errors.New("resultcache: no image source")
	}
	c.mu.RLock()
	g, ok := c.grids[gridID]
	if !ok {
		c.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownGrid, gridID)
	}
	curStack := g.current[h].Group(group)
	curNight := daycycle.IsNight(g.hour)
	var prevStack protocol.Stack
	prevNight := curNight
	hasPrev := g.previous != nil
	if hasPrev {
		prevStack = g.previous[h].Group(group)
		prevNight = daycycle.IsNight(g.prevHour)
	}
	c.mu.RUnlock()

	cur, err = c.images.VariantFor(assetID, curStack, curNight)
	if err != nil {
		return nil, nil, err
	}
	if !hasPrev {
		return cur, cur, nil
	}
	prev, err = c.images.VariantFor(assetID, prevStack, prevNight)
	if err != nil {
		return nil, nil, err
	}
	return cur, prev, nil
}

func (c *Cache) HasPrevious(gridID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grids[gridID]
	return ok && g.previous != nil
}

// Hour is the integer hour of the last applied batch.
func (c *Cache) Hour(gridID string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grids[gridID]
	if !ok || !g.hasHour {
		return 0, false
	}
	return g.hour, true
}

// Current returns a copy of the current brightness map of a grid.
func (c *Cache) Current(gridID string) (map[gridhash.Hash]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grids[gridID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGrid, gridID)
	}
	return cloneEntries(g.current), nil
}

func (c *Cache) Codec(gridID string) (gridhash.Codec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.grids[gridID]
	if !ok {
		return gridhash.Codec{}, false
	}
	return g.codec, true
}

func cloneEntries(m map[gridhash.Hash]Entry) map[gridhash.Hash]Entry {
	out := make(map[gridhash.Hash]Entry, len(m))
	for h, e := range m {
		out[h] = e
	}
	return out
}
