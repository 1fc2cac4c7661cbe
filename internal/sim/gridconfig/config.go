// Package gridconfig loads the per-grid index parameters (grids.yaml).
package gridconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridhash"
)

type Config struct {
	DefaultGridID string     `yaml:"default_grid_id"`
	Grids         []GridSpec `yaml:"grids"`
}

type GridSpec struct {
	ID            string `yaml:"id"`
	PrecisionBits int    `yaml:"precision_bits"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	Outdoor       bool   `yaml:"outdoor"`
	// Source is an optional JSON grid file, relative to the config file.
	Source string `yaml:"source,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize(gridhash.MaxBits)
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("grids.yaml: %w", err)
	}
	cfg.Normalize(gridhash.MaxBits)
	dir := filepath.Dir(path)
	for i := range cfg.Grids {
		if src := strings.TrimSpace(cfg.Grids[i].Source); src != "" && !filepath.IsAbs(src) {
			cfg.Grids[i].Source = filepath.Join(dir, src)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("grids.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DefaultGridID: "OVERWORLD",
		Grids: []GridSpec{
			{ID: "OVERWORLD", PrecisionBits: gridhash.MaxBits, Width: 4096, Height: 1024, Outdoor: true},
		},
	}
}

// Normalize fills precision and size defaults.
func (c *Config) Normalize(defaultBits int) {
	if c == nil {
		return
	}
	for i := range c.Grids {
		g := &c.Grids[i]
		g.ID = strings.TrimSpace(g.ID)
		if g.PrecisionBits == 0 {
			g.PrecisionBits = defaultBits
		}
		if g.PrecisionBits > 0 && g.PrecisionBits <= gridhash.MaxBits {
			span := 1 << g.PrecisionBits
			if g.Width == 0 {
				g.Width = span
			}
			if g.Height == 0 {
				g.Height = span
			}
		}
	}
	if strings.TrimSpace(c.DefaultGridID) == "" && len(c.Grids) > 0 {
		c.DefaultGridID = c.Grids[0].ID
	}
}

// Validate rejects grids whose precision cannot address their size.
func (c Config) Validate() error {
	if len(c.Grids) == 0 {
		return fmt.Errorf("grids must not be empty")
	}
	seen := map[string]bool{}
	for _, g := range c.Grids {
		if g.ID == "" {
			return fmt.Errorf("grid id must not be empty")
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate grid id: %s", g.ID)
		}
		seen[g.ID] = true
		codec, err := gridhash.NewCodec(g.PrecisionBits)
		if err != nil {
			return fmt.Errorf("grid %s: %w", g.ID, err)
		}
		if g.Width <= 0 || g.Height <= 0 {
			return fmt.Errorf("grid %s width/height must be > 0", g.ID)
		}
		if !codec.Fits(g.Width, g.Height) {
			return fmt.Errorf("grid %s: %w: %dx%d needs more than %d bits per axis", g.ID, gridhash.ErrPrecision, g.Width, g.Height, g.PrecisionBits)
		}
	}
	if !seen[c.DefaultGridID] {
		return fmt.Errorf("default_grid_id %q not found in grids", c.DefaultGridID)
	}
	return nil
}

// Configs returns the wire form, sorted by grid id.
func (c Config) Configs() []protocol.GridConfigV1 {
	out := make([]protocol.GridConfigV1, 0, len(c.Grids))
	for _, g := range c.Grids {
		out = append(out, protocol.GridConfigV1{
			GridID:        g.ID,
			PrecisionBits: g.PrecisionBits,
			Width:         g.Width,
			Height:        g.Height,
			Outdoor:       g.Outdoor,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GridID < out[j].GridID })
	return out
}

func (c Config) GridSpecByID(id string) (GridSpec, bool) {
	for _, g := range c.Grids {
		if g.ID == id {
			return g, true
		}
	}
	return GridSpec{}, false
}

// LoadSources reads every grid's JSON source file. Grids without a source
// are returned empty.
func (c Config) LoadSources() ([]protocol.GridV1, error) {
	out := make([]protocol.GridV1, 0, len(c.Grids))
	for _, g := range c.Grids {
		grid := protocol.GridV1{GridID: g.ID}
		if g.Source != "" {
			raw, err := os.ReadFile(g.Source)
			if err != nil {
				return nil, fmt.Errorf("grid %s: %w", g.ID, err)
			}
			if err := json.Unmarshal(raw, &grid); err != nil {
				return nil, fmt.Errorf("grid %s: %s: %w", g.ID, filepath.Base(g.Source), err)
			}
			grid.GridID = g.ID
		}
		out = append(out, grid)
	}
	return out, nil
}
