package unityconn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
)

// stubEditor fakes the Unity-side bridge: handshake, then one scripted
// reply per received frame.
type stubEditor struct {
	listener net.Listener
	t        *testing.T
}

// replyFunc produces the reply for one received payload; heartbeats count
// before the reply.
type replyFunc func(payload []byte) (reply []byte, heartbeats int)

func newStubEditor(t *testing.T, reply replyFunc) *stubEditor {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &stubEditor{listener: listener, t: t}
	t.Cleanup(func() { listener.Close() })
	go s.serve(reply)
	return s
}

func (s *stubEditor) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *stubEditor) serve(reply replyFunc) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn, reply)
	}
}

func (s *stubEditor) handle(conn net.Conn, reply replyFunc) {
	defer conn.Close()
	if _, err := conn.Write([]byte("FRAMING=1\n")); err != nil {
		return
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint64(header))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		out, beats := reply(payload)
		for i := 0; i < beats; i++ {
			if err := writeFrame(conn, nil); err != nil {
				return
			}
		}
		if err := writeFrame(conn, out); err != nil {
			return
		}
	}
}

func successReply(payload []byte) (reply []byte, heartbeats int) {
	var cmd struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &cmd)
	if string(payload) == "ping" {
		return []byte("pong"), 0
	}
	return []byte(`{"status":"success","result":{"echo":"` + cmd.Type + `"}}`), 0
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.CommandTimeout = 2 * time.Second
	return &cfg
}

func TestSendCommandFramedRoundTrip(t *testing.T) {
	editor := newStubEditor(t, successReply)
	conn := New("127.0.0.1", editor.port(), "Test@abcd", testConfig())
	defer conn.Disconnect()

	result, err := conn.SendCommand(context.Background(), "get_editor_state", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !result.IsOK() {
		t.Fatalf("result not ok: %v", result.Message())
	}
	if result.Payload()["echo"] != "get_editor_state" {
		t.Errorf("payload = %v", result.Payload())
	}
}

func TestSendCommandPingLiteral(t *testing.T) {
	editor := newStubEditor(t, successReply)
	conn := New("127.0.0.1", editor.port(), "Test@abcd", testConfig())
	defer conn.Disconnect()

	result, err := conn.SendCommand(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !result.IsOK() {
		t.Fatalf("ping result not ok: %v", result.Message())
	}
}

func TestSendCommandAbsorbsHeartbeatsBeforeReply(t *testing.T) {
	editor := newStubEditor(t, func(payload []byte) ([]byte, int) {
		return []byte(`{"status":"success","result":{}}`), 5
	})
	conn := New("127.0.0.1", editor.port(), "Test@abcd", testConfig())
	defer conn.Disconnect()

	result, err := conn.SendCommand(context.Background(), "slow_op", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !result.IsOK() {
		t.Fatalf("result not ok: %v", result.Message())
	}
}

func TestConnectRejectsNonFramingPeer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		// Legacy peer: says nothing, waits for the client.
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	conn := New("127.0.0.1", listener.Addr().(*net.TCPAddr).Port, "Old@ffff", cfg)
	if err := conn.Connect(); err == nil {
		t.Fatal("expected strict framing to reject a silent peer")
	}
	if conn.Connected() {
		t.Error("socket should be cleared after a failed handshake")
	}
}

func TestSendCommandFailureClearsSocket(t *testing.T) {
	editor := newStubEditor(t, successReply)
	conn := New("127.0.0.1", editor.port(), "Test@abcd", testConfig())
	if _, err := conn.SendCommand(context.Background(), "ping", nil); err != nil {
		t.Fatalf("first send: %v", err)
	}

	editor.listener.Close()
	conn.connMu.Lock()
	conn.sock.Close() // simulate the editor dying mid-session
	conn.connMu.Unlock()

	if _, err := conn.SendCommand(context.Background(), "ping", nil); err == nil {
		t.Fatal("expected send on a dead socket to fail")
	}
	if conn.Connected() {
		t.Error("socket should be cleared after an I/O failure")
	}
}

// writeRegistryStatus drops a status file into dir for the dispatcher tests.
func writeRegistryStatus(t *testing.T, dir, hash, name string, port int, reloading bool) {
	t.Helper()
	status := map[string]any{
		"project_path":   "/proj/" + name + "/Assets",
		"unity_port":     port,
		"reloading":      reloading,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(status)
	path := filepath.Join(dir, fmt.Sprintf("unity-mcp-status-%s.json", hash))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func testDispatcher(t *testing.T, dir string, cfg *config.Config) *Dispatcher {
	t.Helper()
	scanner := discovery.NewScanner(dir, "127.0.0.1", cfg.ProbeTimeout, cfg.StatusFreshFor)
	scanner.Probe = func(string, int, time.Duration) bool { return true }
	pool := NewPool(cfg, scanner, nil)
	return NewDispatcher(cfg, pool, nil)
}

func TestDispatcherRetriesThroughReload(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)

	replies := 0
	editor := newStubEditor(t, func(payload []byte) ([]byte, int) {
		replies++
		if replies < 3 {
			return []byte(`{"status":"success","result":{"state":"reloading","retry_after_ms":60}}`), 0
		}
		return []byte(`{"status":"success","result":{"done":true}}`), 0
	})
	writeRegistryStatus(t, dir, "cafe", "Game", editor.port(), false)

	cfg := testConfig()
	d := testDispatcher(t, dir, cfg)
	result := d.SendWithRetry(context.Background(), "Game", "refresh_assets", nil)
	if !result.IsOK() {
		t.Fatalf("result = busy=%v err=%v msg=%q", result.IsBusy(), result.IsErr(), result.Message())
	}
	if replies != 3 {
		t.Errorf("replies = %d, want 3", replies)
	}
}

func TestDispatcherBudgetExhaustedReturnsBusy(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)

	editor := newStubEditor(t, func(payload []byte) ([]byte, int) {
		return []byte(`{"status":"success","result":{"state":"reloading","retry_after_ms":60}}`), 0
	})
	writeRegistryStatus(t, dir, "beef", "Stuck", editor.port(), false)

	cfg := testConfig()
	cfg.ReloadMaxWait = 300 * time.Millisecond
	d := testDispatcher(t, dir, cfg)

	result := d.SendWithRetry(context.Background(), "Stuck", "refresh_assets", nil)
	if !result.IsBusy() {
		t.Fatalf("expected busy, got err=%v msg=%q", result.IsErr(), result.Message())
	}
	if result.Reason() != "reloading" {
		t.Errorf("reason = %q", result.Reason())
	}
	if result.RetryAfter() <= 0 {
		t.Error("expected a suggested retry delay")
	}
}

func TestDispatcherPreflightShortCircuitsReloadingStatus(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)
	writeRegistryStatus(t, dir, "f00d", "Busy", 6499, true)

	cfg := testConfig()
	d := testDispatcher(t, dir, cfg)
	start := time.Now()
	result := d.SendWithRetry(context.Background(), "Busy", "refresh_assets", nil)
	if !result.IsBusy() || result.Reason() != "reloading" {
		t.Fatalf("expected busy(reloading), got %v", result.Envelope())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("preflight should not attempt a socket round trip")
	}
}

func TestDispatcherUnknownInstance(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)

	cfg := testConfig()
	d := testDispatcher(t, dir, cfg)
	result := d.SendWithRetry(context.Background(), "Nope", "ping", nil)
	if !result.IsErr() {
		t.Fatalf("expected error, got %v", result.Envelope())
	}
}
