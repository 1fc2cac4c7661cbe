package indexdb

import (
	"context"
	"database/sql"
	"errors"

	"tilecraft.ai/internal/protocol"
)

// Brightness returns the last indexed value of a tile.
func (s *SQLiteIndex) Brightness(ctx context.Context, gridID string, hash uint32) (TileBrightness, bool, error) {
	out := TileBrightness{GridID: gridID, Hash: hash}
	var bgIn, bgOut, fgIn, fgOut int
	var tick int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bg_indoor,bg_outdoor,fg_indoor,fg_outdoor,tick FROM brightness WHERE grid_id=? AND hash=?`,
		gridID, int64(hash),
	).Scan(&bgIn, &bgOut, &fgIn, &fgOut, &tick)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.Background = protocol.NewStack(bgIn, bgOut)
	out.Primary = protocol.NewStack(fgIn, fgOut)
	out.Tick = uint64(tick)
	return out, true, nil
}

// TickCount counts indexed batches of a grid.
func (s *SQLiteIndex) TickCount(ctx context.Context, gridID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks WHERE grid_id=?`, gridID).Scan(&n)
	return n, err
}

// Snapshots lists recorded snapshots, newest first.
func (s *SQLiteIndex) Snapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick,path,snapshot_id,active_grid,grids,tiles,hour FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var tick int64
		if err := rows.Scan(&tick, &r.Path, &r.SnapshotID, &r.ActiveGrid, &r.Grids, &r.Tiles, &r.Hour); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ConfigDigest returns the stored digest of a config row.
func (s *SQLiteIndex) ConfigDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM configs WHERE name=?`, name).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return d, err
}
