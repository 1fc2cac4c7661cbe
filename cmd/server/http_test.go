package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tilecraft.ai/internal/sim/lighting"
)

type fakeEngine struct{ s lighting.Stats }

func (f fakeEngine) Stats() lighting.Stats       { return f.s }
func (f fakeEngine) TickInterval() time.Duration { return 250 * time.Millisecond }

func serve(t *testing.T, h http.Handler, remote, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h := newRouter(httpDeps{engine: fakeEngine{s: lighting.Stats{Ticks: 42, Emitted: 3, Dropped: 1, Ready: true}}})

	rec := serve(t, h, "10.0.0.1:5000", "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = serve(t, h, "10.0.0.1:5000", "/metrics")
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"tilecraft_lighting_tick 42\n",
		"tilecraft_lighting_ready 1\n",
		"tilecraft_lighting_batches_total 3\n",
		"tilecraft_lighting_consumer_drops_total 1\n",
		"tilecraft_index_queue_depth 0\n",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRouter_AdminLoopbackOnly(t *testing.T) {
	h := newRouter(httpDeps{engine: fakeEngine{s: lighting.Stats{Ticks: 7}}, enableAdmin: true})

	if rec := serve(t, h, "10.0.0.1:5000", "/admin/v1/state"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote admin: want 403, got %d", rec.Code)
	}

	rec := serve(t, h, "127.0.0.1:5000", "/admin/v1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback admin: %d", rec.Code)
	}
	var resp struct {
		TickIntervalMs int64          `json:"tick_interval_ms"`
		Engine         lighting.Stats `json:"engine"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TickIntervalMs != 250 || resp.Engine.Ticks != 7 {
		t.Fatalf("unexpected state: %+v", resp)
	}
}

func TestRouter_AdminDisabled(t *testing.T) {
	h := newRouter(httpDeps{engine: fakeEngine{}})
	if rec := serve(t, h, "127.0.0.1:5000", "/admin/v1/state"); rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:9000":     true,
		"::1":            true,
		"192.168.1.2:80": false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestOpenRuntimeIndex_Disabled(t *testing.T) {
	idx, err := openRuntimeIndex(t.TempDir(), true)
	if err != nil || idx != nil {
		t.Fatalf("disabled index: %v %v", idx, err)
	}
	t.Setenv("TC_INDEX_BACKEND", "none")
	idx, err = openRuntimeIndex(t.TempDir(), false)
	if err != nil || idx != nil {
		t.Fatalf("none backend: %v %v", idx, err)
	}
	t.Setenv("TC_INDEX_BACKEND", "postgres")
	if _, err := openRuntimeIndex(t.TempDir(), false); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}
