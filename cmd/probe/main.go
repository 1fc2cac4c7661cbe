// Command probe connects to a lighting server, mirrors its results into a
// local result cache and optionally resolves image variants for a few tiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logging"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/render/imagecache"
	"tilecraft.ai/internal/render/resultcache"
	"tilecraft.ai/internal/sim/gridconfig"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/transport/ws"
)

type probeConfig struct {
	URL       string
	Name      string
	Grids     gridconfig.Config
	Tune      tuning.Tuning
	SendGrids bool
	Init      bool
	Hour      float64
	Advance   time.Duration
	AssetsDir string
	Tiles     [][2]int
}

type probeResult struct {
	Batches int
	Full    int
	Errors  int
	Hour    float64
	Cache   *resultcache.Cache
}

func main() {
	var (
		url       = flag.String("url", "ws://127.0.0.1:8080/v1/lighting", "lighting websocket url")
		name      = flag.String("name", "probe", "client name sent in HELLO")
		gridsPath = flag.String("grids", "./configs/grids.yaml", "grids.yaml used for cache registration")
		sendGrids = flag.Bool("send_grids", false, "push the grid sources from -grids before listening")
		initFlag  = flag.Bool("init", false, "send INITIALIZE")
		hour      = flag.Float64("hour", -1, "send SET_HOUR_OF_DAY on connect (negative to skip)")
		advance   = flag.Duration("advance", 0, "advance the hour by one every interval (0 to disable)")
		duration  = flag.Duration("duration", 10*time.Second, "how long to listen (0 until interrupted)")
		assetsDir = flag.String("assets", "", "dir of <asset>.png files for image variants (optional)")
		tiles     = flag.String("tiles", "", "tiles to print, as x,y;x,y")
		logLevel  = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

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
	grids, err := gridconfig.Load(*gridsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "grids:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var c2 context.CancelFunc
		ctx, c2 = context.WithTimeout(ctx, *duration)
		defer c2()
	}

	res, err := run(ctx, probeConfig{
		URL:       *url,
		Name:      *name,
		Grids:     grids,
		Tune:      tuning.Defaults(),
		SendGrids: *sendGrids,
		Init:      *initFlag,
		Hour:      *hour,
		Advance:   *advance,
		AssetsDir: *assetsDir,
		Tiles:     points,
	}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "probe:", err)
		os.Exit(1)
	}
	fmt.Printf("batches=%d full=%d errors=%d hour=%.2f\n", res.Batches, res.Full, res.Errors, res.Hour)
}

// run dials the server and applies batches until ctx is done or the
// connection ends.
func run(ctx context.Context, cfg probeConfig, logger logrus.FieldLogger) (probeResult, error) {
	log := logger.WithField("component", "probe")

	var images resultcache.Images
	var ic *imagecache.Cache
	var sources []protocol.GridV1
	if cfg.SendGrids || cfg.AssetsDir != "" {
		var err error
		if sources, err = cfg.Grids.LoadSources(); err != nil {
			return probeResult{}, fmt.Errorf("grid sources: %w", err)
		}
	}
	if cfg.AssetsDir != "" {
		var err error
		ic, err = imagecache.New(imagecache.Config{
			Ladder:        imagecache.LadderFromTuning(cfg.Tune.Ladder),
			SourceCacheMB: cfg.Tune.Ladder.SourceCacheMB,
		}, imagecache.DirSource{Dir: cfg.AssetsDir}, logger)
		if err != nil {
			return probeResult{}, err
		}
		defer ic.Close()
		if err := ic.Prepare(ctx, imagecache.AssetsOf(sources)); err != nil {
			log.WithError(err).Warn("image preparation incomplete")
		}
		images = ic
	}

	cache := resultcache.New(images, logger)
	if err := cache.RegisterConfigs(cfg.Grids.Configs()); err != nil {
		return probeResult{}, err
	}
	res := probeResult{Cache: cache, Hour: cfg.Hour}

	client, err := ws.Dial(ctx, cfg.URL, cfg.Name, cfg.Tune.ConsumerQueue)
	if err != nil {
		return res, err
	}
	defer client.Close()
	w := client.Welcome()
	log.WithFields(logrus.Fields{"session": w.SessionID, "tick_ms": w.TickIntervalMs, "active": w.ActiveGridID}).Info("connected")

	if cfg.SendGrids {
		if err := client.Send(protocol.NewSetGridSnapshot("probe", sources, cfg.Grids.Configs())); err != nil {
			return res, err
		}
		if err := client.Send(protocol.NewSetActiveGrid(cfg.Grids.DefaultGridID)); err != nil {
			return res, err
		}
	}
	if cfg.Hour >= 0 {
		if err := client.Send(protocol.NewSetHourOfDay(cfg.Hour)); err != nil {
			return res, err
		}
	}
	if cfg.Init {
		if err := client.Send(protocol.NewInitialize()); err != nil {
			return res, err
		}
	}

	var advanceC <-chan time.Time
	if cfg.Advance > 0 {
		t := time.NewTicker(cfg.Advance)
		defer t.Stop()
		advanceC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			printTiles(cache, w.ActiveGridID, sources, cfg.Tiles)
			return res, nil
		case msg, ok := <-client.Deltas():
			if !ok {
				return res, client.Err()
			}
			res.Batches++
			if msg.Full {
				res.Full++
			}
			res.Hour = msg.Hour
			if err := cache.Apply(msg); err != nil {
				log.WithError(err).Debug("batch not applied")
			}
		case e := <-client.Errors():
			res.Errors++
			log.WithFields(logrus.Fields{"code": e.Code, "message": e.Message}).Warn("server error")
		case <-advanceC:
			next := res.Hour + 1
			if next >= 24 {
				next -= 24
			}
			if err := client.Send(protocol.NewSetHourOfDay(next)); err != nil {
				return res, err
			}
		}
	}
}

func printTiles(cache *resultcache.Cache, gridID string, sources []protocol.GridV1, points [][2]int) {
	codec, ok := cache.Codec(gridID)
	if !ok {
		return
	}
	for _, p := range points {
		for _, group := range []protocol.LayerGroup{protocol.LayerBackground, protocol.LayerPrimary} {
			in, out, err := cache.BrightnessAt(gridID, p[0], p[1], group)
			if err != nil {
				fmt.Printf("  (%d,%d) %v\n", p[0], p[1], err)
				break
			}
			line := fmt.Sprintf("  (%d,%d) %s indoor=%d outdoor=%d", p[0], p[1], group, in, out)
			if asset := assetAt(sources, gridID, p[0], p[1], group); asset != "" {
				cur, prev, err := cache.ImageVariantsFor(asset, gridID, codec.Pack(p[0], p[1]), group)
				if err == nil {
					line += fmt.Sprintf(" asset=%s crossfade=%v", asset, cur != prev)
				}
			}
			fmt.Println(line)
		}
	}
}

// assetAt finds the asset of the tile covering (gx, gy) in a layer group.
func assetAt(sources []protocol.GridV1, gridID string, gx, gy int, group protocol.LayerGroup) string {
	for _, g := range sources {
		if g.GridID != gridID {
			continue
		}
		for _, l := range g.Layers {
			if protocol.GroupForLayer(l.Name) != group {
				continue
			}
			for _, t := range l.Tiles {
				w, h := max(t.W, 1), max(t.H, 1)
				if gx >= t.X && gx < t.X+w && gy >= t.Y && gy < t.Y+h {
					return t.Asset
				}
			}
		}
	}
	return ""
}
