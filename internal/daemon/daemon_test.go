package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	configstore "github.com/unity-mcp/bridge/internal/config/store"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)

	store, err := configstore.Open(configstore.Options{
		DBPath: filepath.Join(dir, "state.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.Default()
	cfg.HTTPBinding = "127.0.0.1:0"
	cfg.DiscoveryTTL = 50 * time.Millisecond

	d, err := New(Options{Config: &cfg, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Start() }()
	t.Cleanup(func() {
		d.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("daemon exit: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + d.APIServer().Addr() + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("daemon never became healthy")
}

func TestDaemonServesHealth(t *testing.T) {
	d := testDaemon(t)
	startDaemon(t, d)

	resp, err := http.Get("http://" + d.APIServer().Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestDaemonWritesAndRemovesPIDFile(t *testing.T) {
	d := testDaemon(t)

	done := make(chan error, 1)
	go func() { done <- d.Start() }()

	pidPath := d.paths.PIDFile
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	if want := fmt.Sprintf("%d", os.Getpid()); string(raw) != want {
		t.Errorf("pid file = %s, want %s", raw, want)
	}

	d.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Errorf("pid file still present after shutdown: %v", err)
	}
}

func TestDaemonRecordsDiscoveredInstances(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)

	store, err := configstore.Open(configstore.Options{
		DBPath: filepath.Join(dir, "state.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.Default()
	cfg.HTTPBinding = "127.0.0.1:0"
	cfg.DiscoveryTTL = 50 * time.Millisecond

	d, err := New(Options{Config: &cfg, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Make the scan find something without a live editor: the probe cannot
	// succeed, so a reloading-but-fresh status file is the reachable shape.
	raw, _ := json.Marshal(map[string]any{
		"project_path":   "/proj/Game/Assets",
		"unity_port":     6400,
		"reloading":      true,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	if err := os.WriteFile(filepath.Join(dir, "unity-mcp-status-cafe.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	startDaemon(t, d)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var body struct {
			History []map[string]any `json:"history"`
		}
		resp, err := http.Get("http://" + d.APIServer().Addr() + "/api/history")
		if err == nil {
			json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
		}
		if len(body.History) == 1 && body.History[0]["instance_id"] == "Game@cafe" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("instance never appeared in history")
}

func TestDaemonRequiresStore(t *testing.T) {
	cfg := config.Default()
	if _, err := New(Options{Config: &cfg}); err == nil {
		t.Error("expected missing store to be rejected")
	}
}
