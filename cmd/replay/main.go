package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logging"
	persistlog "tilecraft.ai/internal/persistence/log"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/render/resultcache"
	"tilecraft.ai/internal/sim/lighting"
	"tilecraft.ai/internal/sim/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		deltasDir  = flag.String("deltas", "", "dir containing deltas-*.jsonl.zst (optional)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (optional)")
		ticks      = flag.Int("ticks", 1, "ticks to step offline")
		hour       = flag.Float64("hour", -1, "hour of day (default: snapshot hour)")
		hourStep   = flag.Float64("hour_step", 0, "hours added after every tick")
		gridID     = flag.String("grid", "", "grid to simulate (default: snapshot active grid)")
		tiles      = flag.String("tiles", "", "tiles to print, as x,y;x,y")
		logLevel   = flag.String("log_level", "warn", "log level")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	logger, err := logging.New(*logLevel, "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(2)
	}
	points, err := parseTiles(*tiles)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tiles:", err)
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	tileCount := 0
	for _, g := range snap.Grids {
		for _, l := range g.Layers {
			tileCount += len(l.Tiles)
		}
	}
	fmt.Printf("snapshot v%d id=%s tick=%d hour=%.2f active=%s grids=%d tiles=%d\n",
		snap.Header.Version, snap.Header.SnapshotID, snap.Header.Tick, snap.Hour, snap.ActiveGridID, len(snap.Grids), tileCount)

	tune := tuning.Defaults()
	if *tuningPath != "" {
		if tune, err = tuning.Load(*tuningPath); err != nil {
			fmt.Fprintln(os.Stderr, "tuning:", err)
			os.Exit(1)
		}
	}

	if *hour >= 0 {
		snap.Hour = *hour
	}
	if *gridID != "" {
		snap.ActiveGridID = *gridID
	}

	cache, err := newCache(snap, tune, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "result cache:", err)
		os.Exit(1)
	}
	emitted, err := stepOffline(snap, tune, logger, cache, *ticks, *hourStep)
	if err != nil {
		fmt.Fprintln(os.Stderr, "step:", err)
		os.Exit(1)
	}
	fmt.Printf("stepped %d ticks, %d batches\n", *ticks, emitted)
	printTiles(cache, snap.ActiveGridID, points)

	if *deltasDir == "" {
		return
	}
	files, err := listDeltaFiles(*deltasDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list deltas:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no delta files found in", *deltasDir)
		os.Exit(1)
	}
	logged, err := newCache(snap, tune, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "result cache:", err)
		os.Exit(1)
	}
	sum, err := applyDeltaLogs(logged, files)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("delta log: files=%d entries=%d ticks=%d..%d changed=%d unknown_grid=%d\n",
		len(files), sum.entries, sum.firstTick, sum.lastTick, sum.changed, sum.unknown)
	printTiles(logged, snap.ActiveGridID, points)
}

type logSummary struct {
	entries   int
	firstTick uint64
	lastTick  uint64
	changed   int
	unknown   int
}

func newCache(snap snapshot.SnapshotV1, tune tuning.Tuning, logger logrus.FieldLogger) (*resultcache.Cache, error) {
	cache := resultcache.New(nil, logger)
	if err := cache.RegisterConfigs(snap.Configs); err != nil {
		return nil, err
	}
	registered := map[string]bool{}
	for _, c := range snap.Configs {
		registered[c.GridID] = true
	}
	for _, g := range snap.Grids {
		if registered[g.GridID] {
			continue
		}
		if err := cache.RegisterGrid(g.GridID, tune.DefaultPrecisionBits); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// stepOffline drives a private engine with StepOnce and feeds every batch
// into cache.
func stepOffline(snap snapshot.SnapshotV1, tune tuning.Tuning, logger logrus.FieldLogger, cache *resultcache.Cache, ticks int, hourStep float64) (int, error) {
	eng := lighting.New(lighting.ConfigFromTuning(tune), logger)
	eng.ImportSnapshot(snap)

	emitted := 0
	h := snap.Hour
	for i := 0; i < ticks; i++ {
		var cmds []protocol.Command
		if i > 0 && hourStep != 0 {
			h += hourStep
			cmds = append(cmds, protocol.NewSetHourOfDay(h))
		}
		msg, ok := eng.StepOnce(cmds...)
		if ok {
			emitted++
		}
		if msg.GridID == "" {
			continue
		}
		// Unchanged ticks still carry the hour.
		if err := cache.Apply(msg); err != nil {
			return emitted, err
		}
	}
	if st := eng.Stats(); st.Failures > 0 {
		return emitted, fmt.Errorf("%d ticks failed", st.Failures)
	}
	return emitted, nil
}

func applyDeltaLogs(cache *resultcache.Cache, files []string) (logSummary, error) {
	var sum logSummary
	for _, path := range files {
		err := persistlog.ReadDeltaLog(path, func(e lighting.TickLogEntry) error {
			if sum.entries == 0 {
				sum.firstTick = e.Tick
			}
			sum.entries++
			sum.lastTick = e.Tick
			sum.changed += e.Changed
			err := cache.Apply(protocol.LightDeltaMsg{
				Type:            protocol.TypeLightDelta,
				ProtocolVersion: protocol.Version,
				GridID:          e.GridID,
				Tick:            e.Tick,
				Hour:            e.Hour,
				Values:          e.Values,
			})
			if errors.Is(err, resultcache.ErrUnknownGrid) {
				sum.unknown++
				return nil
			}
			return err
		})
		if err != nil {
			return sum, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sum, nil
}

func printTiles(cache *resultcache.Cache, gridID string, points [][2]int) {
	for _, p := range points {
		bi, bo, err := cache.BrightnessAt(gridID, p[0], p[1], protocol.LayerBackground)
		if err != nil {
			fmt.Printf("  (%d,%d) %v\n", p[0], p[1], err)
			continue
		}
		pi, po, _ := cache.BrightnessAt(gridID, p[0], p[1], protocol.LayerPrimary)
		fmt.Printf("  (%d,%d) background=%d/%d primary=%d/%d\n", p[0], p[1], bi, bo, pi, po)
	}
}

func parseTiles(s string) ([][2]int, error) {
	var out [][2]int
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		xs, ys, ok := strings.Cut(part, ",")
		if !ok {
			return nil, fmt.Errorf("bad tile %q", part)
		}
		x, err := strconv.Atoi(strings.TrimSpace(xs))
		if err != nil {
			return nil, fmt.Errorf("bad tile %q: %w", part, err)
		}
		y, err := strconv.Atoi(strings.TrimSpace(ys))
		if err != nil {
			return nil, fmt.Errorf("bad tile %q: %w", part, err)
		}
		out = append(out, [2]int{x, y})
	}
	return out, nil
}

func listDeltaFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "deltas-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
