package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tilecraft.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapshot.Ext) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(filepath.Join(dir, n))
	}
}

// snapshotCmd prints a snapshot, or writes an edited copy when -out is set.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	asJSON := fs.Bool("json", false, "print the full snapshot as JSON")
	hour := fs.String("hour", "", "override hour of day (with -out)")
	active := fs.String("active", "", "override active grid (with -out)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		p, err := snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest snapshot:", err)
			os.Exit(2)
		}
		path = p
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	if *outPath == "" {
		if *asJSON {
			printJSON(snap)
			return
		}
		printJSON(summarize(path, snap))
		return
	}

	var e snapshotEdit
	if strings.TrimSpace(*hour) != "" {
		h, err := strconv.ParseFloat(*hour, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -hour:", err)
			os.Exit(2)
		}
		e.Hour = &h
	}
	e.ActiveGridID = strings.TrimSpace(*active)
	edited, err := e.apply(snap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edit:", err)
		os.Exit(2)
	}
	if err := snapshot.WriteSnapshot(*outPath, edited); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (tick=%d hour=%.2f active=%s)\n", *outPath, edited.Header.Tick, edited.Hour, edited.ActiveGridID)
}

type snapshotSummary struct {
	Path         string         `json:"path"`
	Version      int            `json:"version"`
	SnapshotID   string         `json:"snapshot_id"`
	Tick         uint64         `json:"tick"`
	Hour         float64        `json:"hour"`
	ActiveGridID string         `json:"active_grid_id"`
	Tiles        map[string]int `json:"tiles"`
}

func summarize(path string, snap snapshot.SnapshotV1) snapshotSummary {
	s := snapshotSummary{
		Path:         path,
		Version:      snap.Header.Version,
		SnapshotID:   snap.Header.SnapshotID,
		Tick:         snap.Header.Tick,
		Hour:         snap.Hour,
		ActiveGridID: snap.ActiveGridID,
		Tiles:        map[string]int{},
	}
	for _, g := range snap.Grids {
		n := 0
		for _, l := range g.Layers {
			n += len(l.Tiles)
		}
		s.Tiles[g.GridID] = n
	}
	return s
}

type snapshotEdit struct {
	Hour         *float64
	ActiveGridID string
}

func (e snapshotEdit) apply(snap snapshot.SnapshotV1) (snapshot.SnapshotV1, error) {
	if e.Hour != nil {
		if *e.Hour < 0 || *e.Hour >= 24 {
			return snap, fmt.Errorf("hour %.2f out of range [0,24)", *e.Hour)
		}
		snap.Hour = *e.Hour
	}
	if e.ActiveGridID != "" {
		found := false
		for _, g := range snap.Grids {
			if g.GridID == e.ActiveGridID {
				found = true
				break
			}
		}
		if !found {
			return snap, errors.New("active grid not in snapshot: " + e.ActiveGridID)
		}
		snap.ActiveGridID = e.ActiveGridID
	}
	snap.Header.SnapshotID = snap.Header.SnapshotID + "-edited"
	return snap, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
