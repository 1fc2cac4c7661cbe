package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/sim/gridconfig"
	"tilecraft.ai/internal/sim/gridhash"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	gridsPath := fs.String("grids", "./configs/grids.yaml", "grids.yaml for tile precision")
	gridID := fs.String("grid", "", "grid id (ticks, tile)")
	x := fs.Int("x", 0, "tile column (tile)")
	y := fs.Int("y", 0, "tile row (tile)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "lighting.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch q {
	case "snapshots":
		recs, err := idx.Snapshots(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range recs {
			printJSON(r)
		}
	case "ticks":
		if *gridID == "" {
			fmt.Fprintln(os.Stderr, "missing -grid")
			os.Exit(2)
		}
		n, err := idx.TickCount(ctx, *gridID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(map[string]any{"grid_id": *gridID, "ticks": n})
	case "tile":
		if *gridID == "" {
			fmt.Fprintln(os.Stderr, "missing -grid")
			os.Exit(2)
		}
		codec, err := codecFor(*gridsPath, *gridID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "grids:", err)
			os.Exit(1)
		}
		if !codec.InRange(*x, *y) {
			fmt.Fprintf(os.Stderr, "tile (%d,%d) outside %d-bit grid\n", *x, *y, codec.Bits())
			os.Exit(2)
		}
		tb, ok, err := idx.Brightness(ctx, *gridID, uint32(codec.Pack(*x, *y)))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "no indexed value")
			os.Exit(2)
		}
		printJSON(tb)
	case "configs":
		out := map[string]string{}
		for _, name := range []string{"tuning", "grids"} {
			d, err := idx.ConfigDigest(ctx, name)
			if err != nil {
				fmt.Fprintln(os.Stderr, "query:", err)
				os.Exit(1)
			}
			out[name] = d
		}
		printJSON(out)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(snapshots|ticks|tile|configs)")
		os.Exit(2)
	}
}

func codecFor(gridsPath, gridID string) (gridhash.Codec, error) {
	cfg, err := gridconfig.Load(gridsPath)
	if err != nil {
		return gridhash.Codec{}, err
	}
	gs, ok := cfg.GridSpecByID(gridID)
	if !ok {
		return gridhash.Codec{}, fmt.Errorf("unknown grid %s", gridID)
	}
	return gridhash.NewCodec(gs.PrecisionBits)
}
