// Package imagecache precomputes brightness-filtered variants of tile
// bitmaps so a renderer can look them up by ladder index without per-frame
// image work.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tilecraft.ai/internal/protocol"
)

var ErrUnknownAsset = errors.New("imagecache: unknown asset")

// ErrNotPrepared is returned for an asset whose ladder has not been built
// in the current generation.
var ErrNotPrepared = errors.New("imagecache: asset not prepared")

type Config struct {
	Ladder Ladder
	// SourceCacheMB bounds the decoded source bitmaps kept between generations.
	SourceCacheMB int
	// Workers bounds concurrent ladder builds; zero means GOMAXPROCS.
	Workers int
}

type Cache struct {
	src     Source
	log     logrus.FieldLogger
	workers int

	decoded *ristretto.Cache[string, *image.NRGBA]
	loads   singleflight.Group

	mu       sync.RWMutex
	ladder   Ladder
	gen      uint64
	variants map[string]*[Steps]*image.NRGBA
}

func New(cfg Config, src Source, logger logrus.FieldLogger) (*Cache, error) {
	if src == nil {
		return nil, errors.New("imagecache: nil source")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	mb := cfg.SourceCacheMB
	if mb <= 0 {
		mb = 64
	}
	decoded, err := ristretto.NewCache(&ristretto.Config[string, *image.NRGBA]{
		NumCounters: 10000,
		MaxCost:     int64(mb) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("source cache: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Cache{
		src:      src,
		log:      logger.WithField("component", "imagecache"),
		workers:  workers,
		decoded:  decoded,
		ladder:   cfg.Ladder,
		gen:      1,
		variants: map[string]*[Steps]*image.NRGBA{},
	}, nil
}

func (c *Cache) Close() { c.decoded.Close() }

func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Invalidate drops every prepared ladder and starts a new generation.
// Decoded sources are kept.
func (c *Cache) Invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.variants = map[string]*[Steps]*image.NRGBA{}
	return c.gen
}

// SetLadder replaces the ladder settings and invalidates.
func (c *Cache) SetLadder(l Ladder) uint64 {
	c.mu.Lock()
	c.ladder = l
	c.mu.Unlock()
	return c.Invalidate()
}

// Prepare builds the ladders of every asset not yet prepared in the current
// generation. Results of a build that overlaps an Invalidate are discarded.
func (c *Cache) Prepare(ctx context.Context, assetIDs []string) error {
	c.mu.RLock()
	gen, ladder := c.gen, c.ladder
	var todo []string
	seen := map[string]bool{}
	for _, id := range assetIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.variants[id]; !ok {
			todo = append(todo, id)
		}
	}
	c.mu.RUnlock()
	if len(todo) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, id := range todo {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := c.source(id)
			if err != nil {
				return err
			}
			built := ladder.Build(src)
			c.mu.Lock()
			if c.gen == gen {
				c.variants[id] = &built
			}
			c.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"assets": len(todo), "generation": gen}).Debug("ladders prepared")
	return nil
}

func (c *Cache) source(id string) (*image.NRGBA, error) {
	if img, ok := c.decoded.Get(id); ok {
		return img, nil
	}
	v, err, _ := c.loads.Do(id, func() (any, error) {
		raw, err := c.src.Open(id)
		if err != nil {
			return nil, err
		}
		img := toNRGBA(raw)
		c.decoded.Set(id, img, int64(len(img.Pix)))
		c.decoded.Wait()
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*image.NRGBA), nil
}

// Variant returns ladder step index of a prepared asset.
func (c *Cache) Variant(assetID string, index int) (image.Image, error) {
	if index < 0 || index >= Steps {
		return nil, fmt.Errorf("imagecache: ladder index %d out of range", index)
	}
	c.mu.RLock()
	v, ok := c.variants[assetID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, assetID)
	}
	return v[index], nil
}

// VariantFor resolves the variant of a brightness stack.
func (c *Cache) VariantFor(assetID string, s protocol.Stack, night bool) (image.Image, error) {
	return c.Variant(assetID, Index(s, night))
}

func (c *Cache) Prepared() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.variants))
	for id := range c.variants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AssetsOf lists the distinct assets referenced by grids.
func AssetsOf(grids []protocol.GridV1) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range grids {
		for _, l := range g.Layers {
			for _, t := range l.Tiles {
				if t.Asset != "" && !seen[t.Asset] {
					seen[t.Asset] = true
					out = append(out, t.Asset)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}
