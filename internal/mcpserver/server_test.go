package mcpserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/routing"
	"github.com/unity-mcp/bridge/internal/transport"
	"github.com/unity-mcp/bridge/internal/unityconn"
)

// stubEditor runs a framed echo peer that also answers the raw discovery ping.
func stubEditor(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = conn.Write([]byte("FRAMING=1\n"))
				first := make([]byte, 1)
				for {
					if _, err := io.ReadFull(conn, first); err != nil {
						return
					}
					var payload []byte
					if first[0] == 'p' {
						rest := make([]byte, 3)
						if _, err := io.ReadFull(conn, rest); err != nil {
							return
						}
						payload = []byte("ping")
					} else {
						header := make([]byte, 8)
						header[0] = first[0]
						if _, err := io.ReadFull(conn, header[1:]); err != nil {
							return
						}
						payload = make([]byte, binary.BigEndian.Uint64(header))
						if _, err := io.ReadFull(conn, payload); err != nil {
							return
						}
					}
					reply := []byte(`{"status":"success","result":{"scene":"Main"}}`)
					if string(payload) == "ping" {
						reply = []byte("pong")
					}
					out := make([]byte, 8)
					binary.BigEndian.PutUint64(out, uint64(len(reply)))
					if _, err := conn.Write(append(out, reply...)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

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

func testServer(t *testing.T, editors map[string]int) *Server {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("UNITY_MCP_STATUS_DIR", dir)
	for hash, port := range editors {
		writeStatus(t, dir, hash, "Game"+hash, port)
	}

	cfg := config.Default()
	scanner := discovery.NewScanner(dir, "127.0.0.1", cfg.ProbeTimeout, cfg.StatusFreshFor)
	pool := unityconn.NewPool(&cfg, scanner, nil)
	socket := unityconn.NewDispatcher(&cfg, pool, nil)
	dispatcher := transport.New(&cfg, pool, socket, nil, routing.NewRouter(nil, nil))
	return NewServer(dispatcher)
}

func callToolReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestListInstancesTool(t *testing.T) {
	port := stubEditor(t)
	srv := testServer(t, map[string]int{"aa11": port})

	result, err := srv.handleListInstances(context.Background(), callToolReq(nil))
	if err != nil {
		t.Fatalf("handleListInstances: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}

	var instances []discovery.Instance
	if err := json.Unmarshal([]byte(resultText(t, result)), &instances); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "Gameaa11@aa11" {
		t.Errorf("instances = %+v", instances)
	}
}

func TestExecuteCommandTool(t *testing.T) {
	port := stubEditor(t)
	srv := testServer(t, map[string]int{"aa11": port})

	req := callToolReq(map[string]any{
		"type":     "get_editor_state",
		"instance": "aa11",
	})
	result, err := srv.handleExecuteCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("handleExecuteCommand: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(resultText(t, result)), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope["success"] != true {
		t.Errorf("envelope = %v", envelope)
	}
}

func TestExecuteCommandRequiresType(t *testing.T) {
	srv := testServer(t, nil)

	result, err := srv.handleExecuteCommand(context.Background(), callToolReq(nil))
	if err != nil {
		t.Fatalf("handleExecuteCommand: %v", err)
	}
	if !result.IsError {
		t.Error("expected missing type to be rejected")
	}
}

func TestExecuteCommandUnknownInstance(t *testing.T) {
	srv := testServer(t, nil)

	req := callToolReq(map[string]any{"type": "ping", "instance": "Ghost"})
	result, err := srv.handleExecuteCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("handleExecuteCommand: %v", err)
	}
	if result.IsError {
		t.Fatalf("transport failures should come back as envelopes, got tool error: %s", resultText(t, result))
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(resultText(t, result)), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope["success"] != false {
		t.Errorf("envelope = %v", envelope)
	}
}

func TestSetAndGetActiveInstanceTools(t *testing.T) {
	portA := stubEditor(t)
	portB := stubEditor(t)
	srv := testServer(t, map[string]int{"aa11": portA, "bb22": portB})

	req := callToolReq(map[string]any{"instance": "bb22", "client_id": "agent-1"})
	result, err := srv.handleSetActiveInstance(context.Background(), req)
	if err != nil {
		t.Fatalf("handleSetActiveInstance: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}
	if got := resultText(t, result); !strings.Contains(got, "Gamebb22@bb22") {
		t.Errorf("set result = %s", got)
	}

	getReq := callToolReq(map[string]any{"client_id": "agent-1"})
	result, err = srv.handleGetActiveInstance(context.Background(), getReq)
	if err != nil {
		t.Fatalf("handleGetActiveInstance: %v", err)
	}
	if got := resultText(t, result); !strings.Contains(got, "Gamebb22@bb22") {
		t.Errorf("get result = %s", got)
	}
}

func TestSetActiveInstanceUnknown(t *testing.T) {
	srv := testServer(t, nil)

	req := callToolReq(map[string]any{"instance": "Ghost"})
	result, err := srv.handleSetActiveInstance(context.Background(), req)
	if err != nil {
		t.Fatalf("handleSetActiveInstance: %v", err)
	}
	if !result.IsError {
		t.Error("expected unknown instance to be rejected")
	}
}

func TestToolRegistration(t *testing.T) {
	srv := testServer(t, nil)
	mcpSrv := srv.MCPServer()

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	respMsg := mcpSrv.HandleMessage(context.Background(), raw)
	respBytes, err := json.Marshal(respMsg)
	if err != nil {
		t.Fatal(err)
	}

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		t.Fatal(err)
	}

	registered := make(map[string]bool)
	for _, tool := range rpcResp.Result.Tools {
		registered[tool.Name] = true
	}
	for _, name := range []string{
		"unity_list_instances",
		"unity_execute_command",
		"unity_set_active_instance",
		"unity_get_active_instance",
		"unity_ping",
	} {
		if !registered[name] {
			t.Errorf("tool %q not registered", name)
		}
	}
}
