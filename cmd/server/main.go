package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tilecraft.ai/internal/logging"
	persistlog "tilecraft.ai/internal/persistence/log"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridconfig"
	"tilecraft.ai/internal/sim/lighting"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		gridsPath  = flag.String("grids", "", "path to grids.yaml (default: <configs>/grids.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (tick rows, brightness, snapshot metadata)")
		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		logLevel   = flag.String("log_level", "info", "log level")
		logFormat  = flag.String("log_format", "text", "log format (text|json)")
		autoInit   = flag.Bool("auto_init", true, "initialize the engine on startup instead of waiting for a client")
		hour       = flag.Float64("hour", 12, "starting hour of day when no snapshot is loaded")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		logrus.Fatalf("logging: %v", err)
	}

	if *tuningPath == "" {
		*tuningPath = filepath.Join(*configDir, "tuning.yaml")
	}
	if *gridsPath == "" {
		*gridsPath = filepath.Join(*configDir, "grids.yaml")
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("tuning: %v", err)
		}
		logger.WithField("path", *tuningPath).Warn("tuning file missing, using defaults")
		tune = tuning.Defaults()
	}
	grids, err := gridconfig.Load(*gridsPath)
	if err != nil {
		logger.Fatalf("grids: %v", err)
	}

	engine := lighting.New(lighting.ConfigFromTuning(tune), logger)

	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("index db: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertConfigs(tune, grids); err != nil {
			logger.Warnf("index configs: %v", err)
		}
	}

	deltaLog := persistlog.NewDeltaLogger(*dataDir)
	defer deltaLog.Close()
	tee := persistlog.Tee{deltaLog}
	if idx != nil {
		tee = append(tee, idx)
	}
	engine.SetTickLogger(tee)

	snapDir := filepath.Join(*dataDir, "snapshots")
	if *snapPath == "" && *loadLatest {
		if p, err := snapshot.Latest(snapDir); err == nil {
			*snapPath = p
		} else if !errors.Is(err, snapshot.ErrNoSnapshot) {
			logger.Warnf("snapshot scan: %v", err)
		}
	}
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			logger.Fatalf("load snapshot: %v", err)
		}
		engine.ImportSnapshot(snap)
		logger.WithFields(logrus.Fields{
			"path":  *snapPath,
			"tick":  snap.Header.Tick,
			"grids": len(snap.Grids),
		}).Info("resumed from snapshot")
	} else {
		sources, err := grids.LoadSources()
		if err != nil {
			logger.Fatalf("grid sources: %v", err)
		}
		in := engine.Inbox()
		in <- protocol.NewSetGridSnapshot("boot", sources, grids.Configs())
		in <- protocol.NewSetActiveGrid(grids.DefaultGridID)
		in <- protocol.NewSetHourOfDay(*hour)
	}
	if *autoInit {
		engine.Inbox() <- protocol.NewInitialize()
	}

	wsSrv, err := ws.NewServer(engine, ws.Config{
		DefaultGridID: grids.DefaultGridID,
		MaxQueue:      tune.ConsumerQueue,
	}, logger)
	if err != nil {
		logger.Fatalf("ws: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapCh := make(chan snapshot.SnapshotV1, 2)
	engine.SetSnapshotSink(snapCh)

	router := newRouter(httpDeps{
		engine:      engine,
		index:       idx,
		lighting:    wsSrv.Handler(),
		log:         logger,
		enableAdmin: envBool("TC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		enablePprof: envBool("TC_ENABLE_PPROF_HTTP", false),
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		writeSnapshots(gctx, snapCh, snapDir, idx, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.WithField("addr", *addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatalf("server: %v", err)
	}
}

func writeSnapshots(ctx context.Context, ch <-chan snapshot.SnapshotV1, dir string, idx runtimeIndex, logger logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			path := filepath.Join(dir, snapshot.FileName(snap.Header.Tick))
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Warnf("snapshot write: %v", err)
				continue
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
			}
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
