package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridconfig"
	"tilecraft.ai/internal/sim/lighting"
	"tilecraft.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of emitted batches, the latest
// brightness of every tile and written snapshots. Writes are queued to one
// writer goroutine and dropped when it falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type Stats struct {
	QueueLen          int    `json:"queue_len"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	tick     lighting.TickLogEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Tick       uint64
	Path       string
	SnapshotID string
	ActiveGrid string
	Grids      int
	Tiles      int
	Hour       float64
}

// SnapshotRecord is one row of the snapshots table.
type SnapshotRecord struct {
	Tick       uint64
	Path       string
	SnapshotID string
	ActiveGrid string
	Grids      int
	Tiles      int
	Hour       float64
}

// TileBrightness is the last indexed value of one tile.
type TileBrightness struct {
	GridID     string
	Hash       uint32
	Background protocol.Stack
	Primary    protocol.Stack
	Tick       uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			grid_id TEXT NOT NULL,
			hour REAL NOT NULL,
			changed INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_grid_tick ON ticks(grid_id, tick);`,
		`CREATE TABLE IF NOT EXISTS brightness (
			grid_id TEXT NOT NULL,
			hash INTEGER NOT NULL,
			bg_indoor INTEGER NOT NULL,
			bg_outdoor INTEGER NOT NULL,
			fg_indoor INTEGER NOT NULL,
			fg_outdoor INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			PRIMARY KEY (grid_id, hash)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			active_grid TEXT NOT NULL,
			grids INTEGER NOT NULL,
			tiles INTEGER NOT NULL,
			hour REAL NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueLen:          len(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// WriteTick implements lighting.TickLogger.
func (s *SQLiteIndex) WriteTick(entry lighting.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// JSONL logs remain the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:       snap.Header.Tick,
		Path:       path,
		SnapshotID: snap.Header.SnapshotID,
		ActiveGrid: snap.ActiveGridID,
		Grids:      len(snap.Grids),
		Hour:       snap.Hour,
	}
	for _, g := range snap.Grids {
		for _, l := range g.Layers {
			r.Tiles += len(l.Tiles)
		}
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertConfigs stores the tuning and grid configuration actually applied.
func (s *SQLiteIndex) UpsertConfigs(tune tuning.Tuning, grids gridconfig.Config) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name string
		json []byte
	}
	var rows []kv
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", json: b})
	}
	if b, err := json.Marshal(grids); err == nil {
		rows = append(rows, kv{name: "grids", json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		sum := sha256.Sum256(r.json)
		if _, err := stmt.Exec(r.name, hex.EncodeToString(sum[:]), string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,grid_id,hour,changed,raw_json) VALUES(?,?,?,?,?)`)
	upsertBrightness, _ := s.db.Prepare(`INSERT OR REPLACE INTO brightness(grid_id,hash,bg_indoor,bg_outdoor,fg_indoor,fg_outdoor,tick) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,snapshot_id,active_grid,grids,tiles,hour) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, upsertBrightness, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			if insertTick == nil || upsertBrightness == nil {
				continue
			}
			raw, _ := json.Marshal(t)
			if _, err := tx.Stmt(insertTick).Exec(int64(t.Tick), t.GridID, t.Hour, t.Changed, string(raw)); err != nil {
				rollback()
				continue
			}
			opCount++
			stmt := tx.Stmt(upsertBrightness)
			for _, v := range t.Values {
				h, bg, fg := protocol.UnpackWire(v)
				if _, err := stmt.Exec(t.GridID, int64(h), bg.Indoor, bg.Outdoor, fg.Indoor, fg.Outdoor, int64(t.Tick)); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot == nil {
				continue
			}
			if _, err := tx.Stmt(insertSnapshot).Exec(
				int64(sn.Tick),
				sn.Path,
				sn.SnapshotID,
				sn.ActiveGrid,
				sn.Grids,
				sn.Tiles,
				sn.Hour,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
