package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/gridconfig"
	"tilecraft.ai/internal/sim/lighting"
	"tilecraft.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	lighting.TickLogger
	Close() error
	UpsertConfigs(tune tuning.Tuning, grids gridconfig.Config) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TC_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "lighting.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported TC_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
