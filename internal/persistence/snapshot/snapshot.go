package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tilecraft.ai/internal/protocol"
)

const Version = 1

// Ext is the snapshot file suffix; file names are the zero-padded tick.
const Ext = ".snap.zst"

var ErrNoSnapshot = errors.New("snapshot: none found")

type Header struct {
	Version    int    `json:"version"`
	SnapshotID string `json:"snapshot_id"`
	Tick       uint64 `json:"tick"`
}

// SnapshotV1 is the last applied grid set of a lighting engine.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Hour         float64                 `json:"hour"`
	ActiveGridID string                  `json:"active_grid_id"`
	Configs      []protocol.GridConfigV1 `json:"configs"`
	Grids        []protocol.GridV1       `json:"grids"`
}

func FileName(tick uint64) string {
	return fmt.Sprintf("%012d%s", tick, Ext)
}

// WriteSnapshot writes a JSON header line followed by the gob-encoded
// snapshot, both inside one zstd stream.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", hdr.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// Latest returns the path of the snapshot with the highest tick in dir.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSnapshot
		}
		return "", err
	}
	var ticks []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Ext) {
			continue
		}
		t, err := strconv.ParseUint(strings.TrimSuffix(name, Ext), 10, 64)
		if err != nil {
			continue
		}
		ticks = append(ticks, t)
	}
	if len(ticks) == 0 {
		return "", ErrNoSnapshot
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	return filepath.Join(dir, FileName(ticks[len(ticks)-1])), nil
}
