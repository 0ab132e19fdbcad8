package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeStatus(t *testing.T, dir, hash string, fields map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("unity-mcp-status-%s.json", hash))
	buf := &bytes.Buffer{}
	buf.WriteString("{")
	first := true
	for k, v := range fields {
		if !first {
			buf.WriteString(",")
		}
		first = false
		switch val := v.(type) {
		case string:
			fmt.Fprintf(buf, "%q:%q", k, val)
		case bool:
			fmt.Fprintf(buf, "%q:%v", k, val)
		case int:
			fmt.Fprintf(buf, "%q:%d", k, val)
		}
	}
	buf.WriteString("}")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	return path
}

func testScanner(dir string, probe ProbeFunc) *Scanner {
	s := NewScanner(dir, "127.0.0.1", 50*time.Millisecond, time.Minute)
	s.Probe = probe
	return s
}

func TestDiscoverKeepsReachableInstances(t *testing.T) {
	dir := t.TempDir()
	writeStatus(t, dir, "abc123", map[string]any{
		"project_path":  "/home/dev/Projects/MyGame/Assets",
		"unity_port":    6401,
		"unity_version": "6000.0.32f1",
	})

	s := testScanner(dir, func(host string, port int, _ time.Duration) bool {
		return port == 6401
	})
	got := s.Discover()
	if len(got) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(got))
	}
	inst := got[0]
	if inst.ID != "MyGame@abc123" {
		t.Errorf("id = %q, want MyGame@abc123", inst.ID)
	}
	if inst.Status != StatusRunning {
		t.Errorf("status = %q, want running", inst.Status)
	}
	if inst.UnityVersion != "6000.0.32f1" {
		t.Errorf("unity_version = %q", inst.UnityVersion)
	}
}

func TestDiscoverKeepsFreshReloadingInstance(t *testing.T) {
	dir := t.TempDir()
	writeStatus(t, dir, "reload1", map[string]any{
		"project_path":   "/p/Game/Assets",
		"unity_port":     6402,
		"reloading":      true,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})

	s := testScanner(dir, func(string, int, time.Duration) bool { return false })
	got := s.Discover()
	if len(got) != 1 {
		t.Fatalf("expected reloading instance to survive, got %d", len(got))
	}
	if got[0].Status != StatusReloading {
		t.Errorf("status = %q, want reloading", got[0].Status)
	}
}

func TestDiscoverDropsStaleUnreachableInstance(t *testing.T) {
	dir := t.TempDir()
	path := writeStatus(t, dir, "stale1", map[string]any{
		"project_path":   "/p/Old/Assets",
		"unity_port":     6403,
		"reloading":      true,
		"last_heartbeat": time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339),
	})
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s := testScanner(dir, func(string, int, time.Duration) bool { return false })
	if got := s.Discover(); len(got) != 0 {
		t.Fatalf("expected stale instance dropped, got %v", got)
	}
}

func TestDiscoverSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "unity-mcp-status-bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeStatus(t, dir, "good", map[string]any{
		"project_path": "/p/Good/Assets",
		"unity_port":   6404,
	})

	s := testScanner(dir, func(string, int, time.Duration) bool { return true })
	got := s.Discover()
	if len(got) != 1 || got[0].Name != "Good" {
		t.Fatalf("expected only the valid instance, got %v", got)
	}
}

func TestDiscoverDedupesByPortNewestWins(t *testing.T) {
	dir := t.TempDir()
	writeStatus(t, dir, "old1", map[string]any{
		"project_path":   "/p/Older/Assets",
		"unity_port":     6405,
		"last_heartbeat": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})
	writeStatus(t, dir, "new1", map[string]any{
		"project_path":   "/p/Newer/Assets",
		"unity_port":     6405,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})

	s := testScanner(dir, func(string, int, time.Duration) bool { return true })
	got := s.Discover()
	if len(got) != 1 {
		t.Fatalf("expected one instance per port, got %d", len(got))
	}
	if got[0].Name != "Newer" {
		t.Errorf("winner = %q, want Newer", got[0].Name)
	}
}

func TestProjectNameFromPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/home/dev/Projects/MyGame/Assets", "MyGame"},
		{"/home/dev/Projects/MyGame/Assets/", "MyGame"},
		{"C:\\Work\\Game\\Assets", "Game"},
		{"/home/dev/Projects/MyGame", "MyGame"},
		{"", "Unknown"},
	}
	for _, tc := range cases {
		if got := projectNameFromPath(tc.in); got != tc.want {
			t.Errorf("projectNameFromPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDiscoverPortFallbacks(t *testing.T) {
	dir := t.TempDir()
	writeStatus(t, dir, "h1", map[string]any{
		"project_path": "/p/A/Assets",
		"unity_port":   7001,
	})
	portFile := filepath.Join(dir, "unity-mcp-port-h2.json")
	if err := os.WriteFile(portFile, []byte(`{"unity_port":7002}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// The second candidate answers.
	s := testScanner(dir, func(_ string, port int, _ time.Duration) bool {
		return port == 7002
	})
	if got := s.DiscoverPort(6400); got != 7002 {
		t.Errorf("DiscoverPort = %d, want 7002", got)
	}

	// Nothing answers: first port seen wins.
	s.Probe = func(string, int, time.Duration) bool { return false }
	if got := s.DiscoverPort(6400); got != 7001 {
		t.Errorf("DiscoverPort = %d, want first seen 7001", got)
	}

	// Empty directory: fallback.
	empty := testScanner(t.TempDir(), func(string, int, time.Duration) bool { return false })
	if got := empty.DiscoverPort(6400); got != 6400 {
		t.Errorf("DiscoverPort = %d, want fallback 6400", got)
	}
}

func TestLegacyInstanceFromPortFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "unity-mcp-port.json"), []byte(`{"unity_port":7400}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := testScanner(dir, func(_ string, port int, _ time.Duration) bool {
		return port == 7400
	})
	inst, ok := s.LegacyInstance(6400)
	if !ok {
		t.Fatal("expected a synthesized instance")
	}
	if inst.Port != 7400 || inst.Status != StatusRunning || inst.ID != "default@port-7400" {
		t.Errorf("instance = %+v", inst)
	}

	// Fallback port answers when no file names one.
	empty := testScanner(t.TempDir(), func(_ string, port int, _ time.Duration) bool {
		return port == 6400
	})
	if inst, ok := empty.LegacyInstance(6400); !ok || inst.Port != 6400 {
		t.Errorf("fallback instance = %+v ok=%v", inst, ok)
	}

	// Nothing answers: no instance is invented.
	s.Probe = func(string, int, time.Duration) bool { return false }
	if inst, ok := s.LegacyInstance(6400); ok {
		t.Errorf("expected no instance, got %+v", inst)
	}
}

func TestProbeReplyShapes(t *testing.T) {
	framedPong := func() []byte {
		var buf bytes.Buffer
		buf.WriteString("FRAMING=1\n")
		header := make([]byte, 8)
		binary.BigEndian.PutUint64(header, 4)
		buf.Write(header)
		buf.WriteString("pong")
		return buf.Bytes()
	}()

	cases := []struct {
		name  string
		reply []byte
		want  bool
	}{
		{"handshake plus framed pong", framedPong, true},
		{"raw pong", []byte("pong"), true},
		{"json pong", []byte(`{"status":"success","result":{"message":"pong"}}`), true},
		{"garbage", []byte("HTTP/1.1 400 Bad Request\r\n"), false},
		{"incomplete handshake", []byte("FRAMING="), false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		if got := probeReplyIsPong(tc.reply); got != tc.want {
			t.Errorf("%s: probeReplyIsPong = %v, want %v", tc.name, got, tc.want)
		}
	}
}
