package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/routing"
	"github.com/unity-mcp/bridge/internal/unityconn"
)

func writeStatus(t *testing.T, dir, hash, name string, port int) {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{
		"project_path":   "/proj/" + name + "/Assets",
		"unity_port":     port,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	path := filepath.Join(dir, fmt.Sprintf("unity-mcp-status-%s.json", hash))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func socketDispatcher(t *testing.T, dir string) (*Dispatcher, *routing.Router) {
	t.Helper()
	cfg := config.Default()
	scanner := discovery.NewScanner(dir, "127.0.0.1", cfg.ProbeTimeout, cfg.StatusFreshFor)
	scanner.Probe = func(string, int, time.Duration) bool { return true }
	pool := unityconn.NewPool(&cfg, scanner, nil)
	socket := unityconn.NewDispatcher(&cfg, pool, nil)
	router := routing.NewRouter(nil, nil)
	d := New(&cfg, pool, socket, nil, router)
	return d, router
}

func TestInstancesListsSocketPool(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)
	writeStatus(t, dir, "aa11", "GameA", 6401)
	writeStatus(t, dir, "bb22", "GameB", 6402)

	d, _ := socketDispatcher(t, dir)
	instances := d.Instances(true)
	if len(instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(instances))
	}
}

func TestSetActiveVerifiesAndRemembers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)
	writeStatus(t, dir, "aa11", "GameA", 6401)
	writeStatus(t, dir, "bb22", "GameB", 6402)

	d, _ := socketDispatcher(t, dir)
	inst, err := d.SetActive("client-1", "GameB")
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if inst.ID != "GameB@bb22" {
		t.Errorf("resolved %s", inst.ID)
	}
	if got := d.Active("client-1"); got != "GameB@bb22" {
		t.Errorf("Active = %q", got)
	}

	if _, err := d.SetActive("client-1", "Nope"); err == nil {
		t.Error("expected unknown instance to be rejected")
	}

	d.ClearActive("client-1")
}

func TestAutoSelectThroughRouting(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)
	writeStatus(t, dir, "aa11", "Solo", 6401)

	d, router := socketDispatcher(t, dir)
	if got := router.Active(routing.SharedKey); got != "Solo@aa11" {
		t.Errorf("auto-select = %q", got)
	}
	_ = d
}

func TestSendUnknownInstanceIsStructuredError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)

	d, _ := socketDispatcher(t, dir)
	result := d.Send(context.Background(), "", "Ghost", "ping", nil, 0)
	if !result.IsErr() {
		t.Fatalf("result = %v", result.Envelope())
	}
}
