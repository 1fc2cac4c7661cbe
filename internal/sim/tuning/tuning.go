package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridhash"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickIntervalMs       int `yaml:"tick_interval_ms"`
	DefaultPrecisionBits int `yaml:"default_precision_bits"`
	SnapshotEveryTicks   int `yaml:"snapshot_every_ticks"`
	ConsumerQueue        int `yaml:"consumer_queue"`

	Shadow Shadow      `yaml:"shadow"`
	Ladder ImageLadder `yaml:"image_ladder"`
}

// Shadow configures the foliage shadow pass. Hour windows are inclusive.
type Shadow struct {
	FoliagePenalty int    `yaml:"foliage_penalty"`
	MorningHours   [2]int `yaml:"morning_hours"`
	AfternoonHours [2]int `yaml:"afternoon_hours"`
}

// ImageLadder configures the precomputed brightness variants. Factors are
// permille of the source colour.
type ImageLadder struct {
	MinDayPermille          int    `yaml:"min_day_permille"`
	NightMinPermille        int    `yaml:"night_min_permille"`
	NightMaxPermille        int    `yaml:"night_max_permille"`
	NightDesaturatePermille int    `yaml:"night_desaturate_permille"`
	NightTint               [3]int `yaml:"night_tint"`
	NightTintPermille       int    `yaml:"night_tint_permille"`
	SourceCacheMB           int    `yaml:"source_cache_mb"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:      protocol.Version,
		TickIntervalMs:       250,
		DefaultPrecisionBits: gridhash.MaxBits,
		SnapshotEveryTicks:   2400,
		ConsumerQueue:        16,
		Shadow: Shadow{
			FoliagePenalty: 2,
			MorningHours:   [2]int{7, 11},
			AfternoonHours: [2]int{15, 19},
		},
		Ladder: ImageLadder{
			MinDayPermille:          300,
			NightMinPermille:        120,
			NightMaxPermille:        450,
			NightDesaturatePermille: 600,
			NightTint:               [3]int{90, 120, 200},
			NightTintPermille:       250,
			SourceCacheMB:           64,
		},
	}
}

// Load reads a tuning file over the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickIntervalMs <= 0 {
		return fmt.Errorf("tick_interval_ms must be > 0")
	}
	if _, err := gridhash.NewCodec(t.DefaultPrecisionBits); err != nil {
		return fmt.Errorf("default_precision_bits: %w", err)
	}
	if t.Shadow.FoliagePenalty < 0 || t.Shadow.FoliagePenalty > protocol.MaxLevel {
		return fmt.Errorf("shadow.foliage_penalty must be in [0,%d]", protocol.MaxLevel)
	}
	for _, w := range [][2]int{t.Shadow.MorningHours, t.Shadow.AfternoonHours} {
		if w[0] < 0 || w[0] > 23 || w[1] < 0 || w[1] > 23 {
			return fmt.Errorf("shadow hour window %v out of [0,23]", w)
		}
	}
	if t.ConsumerQueue < 0 {
		return fmt.Errorf("consumer_queue must be >= 0")
	}
	l := t.Ladder
	for name, v := range map[string]int{
		"min_day_permille":          l.MinDayPermille,
		"night_min_permille":        l.NightMinPermille,
		"night_max_permille":        l.NightMaxPermille,
		"night_desaturate_permille": l.NightDesaturatePermille,
		"night_tint_permille":       l.NightTintPermille,
	} {
		if v < 0 || v > 1000 {
			return fmt.Errorf("image_ladder.%s must be in [0,1000]", name)
		}
	}
	if l.NightMinPermille > l.NightMaxPermille {
		return fmt.Errorf("image_ladder.night_min_permille > night_max_permille")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}
