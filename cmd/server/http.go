package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/sim/lighting"
)

type engineStats interface {
	Stats() lighting.Stats
	TickInterval() time.Duration
}

type httpDeps struct {
	engine      engineStats
	index       runtimeIndex
	lighting    http.HandlerFunc
	log         logrus.FieldLogger
	enableAdmin bool
	enablePprof bool
}

func newRouter(d httpDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		writeMetrics(rw, d.engine.Stats(), indexStats(d.index))
	})

	if d.enableAdmin {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(loopbackOnly)
			r.Get("/state", func(rw http.ResponseWriter, r *http.Request) {
				rw.Header().Set("Content-Type", "application/json")
				resp := struct {
					TickIntervalMs int64          `json:"tick_interval_ms"`
					Engine         lighting.Stats `json:"engine"`
					Index          indexdb.Stats  `json:"index"`
				}{
					TickIntervalMs: d.engine.TickInterval().Milliseconds(),
					Engine:         d.engine.Stats(),
					Index:          indexStats(d.index),
				}
				_ = json.NewEncoder(rw).Encode(resp)
			})
		})
	} else if d.log != nil {
		d.log.Info("admin endpoints disabled (TC_ENABLE_ADMIN_HTTP=false)")
	}
	if d.enablePprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if d.lighting != nil {
		r.Get("/v1/lighting", d.lighting)
	}
	return r
}

func indexStats(idx runtimeIndex) indexdb.Stats {
	if idx == nil {
		return indexdb.Stats{}
	}
	return idx.Stats()
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(rw http.ResponseWriter, s lighting.Stats, is indexdb.Stats) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s %v\n", name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s %d\n", name, v)
	}
	ready := 0
	if s.Ready {
		ready = 1
	}
	gauge("tilecraft_lighting_ready", "1 once the engine has been initialized.", ready)
	gauge("tilecraft_lighting_tick", "Current lighting tick.", s.Ticks)
	gauge("tilecraft_lighting_last_changed", "Tiles changed in the last tick.", s.LastChanged)
	counter("tilecraft_lighting_batches_total", "Non-empty delta batches emitted.", s.Emitted)
	counter("tilecraft_lighting_tick_failures_total", "Ticks dropped after a recovered failure.", s.Failures)
	counter("tilecraft_lighting_consumer_drops_total", "Batches dropped on full consumer queues.", s.Dropped)
	gauge("tilecraft_index_queue_depth", "Index writer backlog.", is.QueueLen)
	counter("tilecraft_index_drop_tick_total", "Tick rows dropped by the index.", is.DropTickTotal)
	counter("tilecraft_index_drop_snapshot_total", "Snapshot rows dropped by the index.", is.DropSnapshotTotal)
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
