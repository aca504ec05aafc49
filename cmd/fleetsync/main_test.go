package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/fleetsync/internal/config"
	"github.com/rickgao/fleetsync/internal/connection"
	"github.com/rickgao/fleetsync/internal/journal"
	"github.com/rickgao/fleetsync/internal/router"
	"github.com/rickgao/fleetsync/internal/state"
)

type fakeConn struct{ stats connection.ManagerStats }

func (f fakeConn) Stats() connection.ManagerStats { return f.stats }

type fakeRouter struct{ stats router.Stats }

func (f fakeRouter) Stats() router.Stats { return f.stats }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func getHealth(t *testing.T, src healthSources) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	newHealthHandler(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	return rec.Code, body
}

func TestHealth_Status(t *testing.T) {
	tests := []struct {
		name       string
		stats      connection.ManagerStats
		wantCode   int
		wantStatus string
	}{
		{"open", connection.ManagerStats{State: connection.StateOpen}, http.StatusOK, "healthy"},
		{"reconnecting", connection.ManagerStats{State: connection.StateClosed, Attempts: 2}, http.StatusOK, "degraded"},
		{"gave up", connection.ManagerStats{State: connection.StateClosed, GaveUp: true}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := getHealth(t, healthSources{conn: fakeConn{tt.stats}})
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestHealth_Components(t *testing.T) {
	mirror := state.NewMirror()
	mirror.ReplaceFleet(
		[]state.Host{{ID: 1, Name: "alpha"}},
		[]state.Container{{ID: "a"}, {ID: "b"}},
	)

	src := healthSources{
		conn: fakeConn{connection.ManagerStats{
			State:      connection.StateOpen,
			ConnID:     "conn-9",
			LastOpenAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		mirror: mirror,
		router: fakeRouter{router.Stats{Dispatched: 7, DispatchedKind: map[string]int64{"containers_update": 7}}},
	}

	_, body := getHealth(t, src)
	components := body["components"].(map[string]any)

	conn := components["connection"].(map[string]any)
	if conn["state"] != "open" || conn["conn_id"] != "conn-9" {
		t.Errorf("connection = %v, want open conn-9", conn)
	}
	if conn["last_open_at"] != "2026-01-01T00:00:00Z" {
		t.Errorf("last_open_at = %v", conn["last_open_at"])
	}

	st := components["state"].(map[string]any)
	if st["hosts"] != float64(1) || st["containers"] != float64(2) || st["version"] != float64(1) {
		t.Errorf("state = %v, want 1 host, 2 containers, version 1", st)
	}

	rt := components["router"].(map[string]any)
	if rt["dispatched"] != float64(7) {
		t.Errorf("router.dispatched = %v, want 7", rt["dispatched"])
	}

	if _, ok := components["journal"]; ok {
		t.Error("journal component present while disabled")
	}
}

func TestHealth_JournalDatabaseDown(t *testing.T) {
	src := healthSources{
		conn:    fakeConn{connection.ManagerStats{State: connection.StateOpen}},
		journal: journal.NewWriter(journal.DefaultConfig(), nil, nil),
		db:      fakePinger{err: errors.New("connection refused")},
	}

	code, body := getHealth(t, src)
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	jc := body["components"].(map[string]any)["journal"].(map[string]any)
	db := jc["database"].(map[string]any)
	if db["status"] != "disconnected" {
		t.Errorf("journal.database = %v, want disconnected", db)
	}
}

func TestDebugState(t *testing.T) {
	mirror := state.NewMirror()
	mirror.ReplaceFleet([]state.Host{{ID: 1, Name: "alpha"}}, nil)

	rec := httptest.NewRecorder()
	h := newHealthHandler(healthSources{conn: fakeConn{}, mirror: mirror})
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"name":"alpha"`) {
		t.Errorf("body = %s, want host alpha", rec.Body.String())
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetsync.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: from-file:5000\n  api_key: file-key\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{configPath: path, host: "from-flag:6000", logLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Server.Host != "from-flag:6000" {
		t.Errorf("Server.Host = %q, want flag override", cfg.Server.Host)
	}
	if cfg.Server.APIKey != "file-key" {
		t.Errorf("Server.APIKey = %q, want file value", cfg.Server.APIKey)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := loadConfig(options{})
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Server.WebSocketURL() != "ws://localhost:5000/ws" {
		t.Errorf("WebSocketURL() = %q, want default", cfg.Server.WebSocketURL())
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, err := loadConfig(options{logLevel: "loud"}); err == nil {
		t.Error("loadConfig() expected error for bad log level")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger() error: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "conn_id", "x")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output = %q, info should be filtered", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("output is not one JSON record: %q", out)
	}
	if rec["msg"] != "shown" || rec["conn_id"] != "x" {
		t.Errorf("record = %v, want msg shown with conn_id", rec)
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "fleet:1"
	cfg.Server.Secure = true
	cfg.Reconnect.MaxAttempts = 4

	mc := managerConfig(cfg)
	if mc.Client.URL != "wss://fleet:1/ws" {
		t.Errorf("Client.URL = %q, want wss://fleet:1/ws", mc.Client.URL)
	}
	if mc.Reconnect.MaxAttempts != 4 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 4", mc.Reconnect.MaxAttempts)
	}
	if mc.Client.ReadTimeout != config.DefaultReadTimeout {
		t.Errorf("Client.ReadTimeout = %v, want %v", mc.Client.ReadTimeout, config.DefaultReadTimeout)
	}
}

func TestNewHealthServer(t *testing.T) {
	src := healthSources{conn: fakeConn{}, mirror: state.NewMirror(), router: fakeRouter{}}

	if srv := newHealthServer(0, src); srv != nil {
		t.Errorf("newHealthServer(0) = %+v, want nil", srv)
	}

	srv := newHealthServer(8081, src)
	if srv == nil {
		t.Fatal("newHealthServer(8081) = nil")
	}
	if srv.Addr != ":8081" {
		t.Errorf("Addr = %q, want :8081", srv.Addr)
	}
	if got := healthURL(8081); got != "http://localhost:8081/health" {
		t.Errorf("healthURL = %q", got)
	}
}
