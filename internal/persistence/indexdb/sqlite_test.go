package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridconfig"
	"tilecraft.ai/internal/sim/lighting"
	"tilecraft.ai/internal/sim/tuning"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: lighting.TickLogEntry{Tick: 1}}

	_ = s.WriteTick(lighting.TickLogEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.QueueLen != 1 {
		t.Fatalf("QueueLen=%d want=1", st.QueueLen)
	}
}

func TestSQLiteIndex_TicksBrightnessSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "lighting.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UpsertConfigs(tuning.Defaults(), gridconfig.Config{DefaultGridID: "G"}); err != nil {
		t.Fatalf("UpsertConfigs: %v", err)
	}

	v1 := protocol.PackWire(42, protocol.NewStack(1, 2), protocol.NewStack(3, 4))
	v2 := protocol.PackWire(42, protocol.NewStack(0, 0), protocol.NewStack(0, 7))
	_ = s.WriteTick(lighting.TickLogEntry{Tick: 10, GridID: "G", Hour: 12, Changed: 1, Values: []uint64{v1}})
	_ = s.WriteTick(lighting.TickLogEntry{Tick: 11, GridID: "G", Hour: 13, Changed: 1, Values: []uint64{v2}})
	s.RecordSnapshot("/data/000000000011.snap.zst", snapshot.SnapshotV1{
		Header:       snapshot.Header{Version: snapshot.Version, SnapshotID: "s1", Tick: 11},
		ActiveGridID: "G",
		Hour:         13,
		Grids: []protocol.GridV1{{GridID: "G", Layers: []protocol.LayerV1{
			{Name: "primary", Tiles: []protocol.TileV1{{X: 1}, {X: 2}}},
		}}},
	})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	n, err := s.TickCount(ctx, "G")
	if err != nil || n != 2 {
		t.Fatalf("TickCount=%d err=%v", n, err)
	}
	b, ok, err := s.Brightness(ctx, "G", 42)
	if err != nil || !ok {
		t.Fatalf("Brightness ok=%v err=%v", ok, err)
	}
	if b.Tick != 11 || b.Primary.Outdoor != 7 || b.Background != (protocol.Stack{}) {
		t.Fatalf("latest brightness=%+v", b)
	}
	if _, ok, _ := s.Brightness(ctx, "G", 7); ok {
		t.Fatalf("unexpected row for unknown hash")
	}

	snaps, err := s.Snapshots(ctx, 10)
	if err != nil || len(snaps) != 1 {
		t.Fatalf("Snapshots=%v err=%v", snaps, err)
	}
	if snaps[0].Tiles != 2 || snaps[0].SnapshotID != "s1" || snaps[0].ActiveGrid != "G" {
		t.Fatalf("snapshot row=%+v", snaps[0])
	}
	if d, err := s.ConfigDigest(ctx, "tuning"); err != nil || len(d) != 64 {
		t.Fatalf("tuning digest=%q err=%v", d, err)
	}
}
