package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// BridgePaths contains all on-disk paths owned by the bridge daemon.
type BridgePaths struct {
	Home    string // Bridge home directory (~/.unity-mcp/bridge)
	StateDB string // SQLite state store path
	Logs    string // Logs directory
	PIDFile string // Daemon PID file path
}

// RegistryDir returns the directory where Unity editor instances write their
// status and port coordination files. UNITY_MCP_STATUS_DIR overrides the
// default of ~/.unity-mcp.
func RegistryDir() string {
	if dir := os.Getenv("UNITY_MCP_STATUS_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".unity-mcp")
}

// StatusFilePath returns the status file an instance with the given hash
// writes into the registry directory.
func StatusFilePath(hash string) string {
	return filepath.Join(RegistryDir(), fmt.Sprintf("unity-mcp-status-%s.json", hash))
}

// GetBridgePaths returns the daemon's own directory layout. The bridge keeps
// its state below the registry dir so a single `rm -rf ~/.unity-mcp` resets
// both the coordination files and the bridge.
func GetBridgePaths() BridgePaths {
	home := filepath.Join(RegistryDir(), "bridge")
	return BridgePaths{
		Home:    home,
		StateDB: filepath.Join(home, "state.db"),
		Logs:    filepath.Join(home, "logs"),
		PIDFile: filepath.Join(home, "bridged.pid"),
	}
}

// EnsureBridgeDirs creates the bridge directory tree if missing.
func EnsureBridgeDirs() (BridgePaths, error) {
	paths := GetBridgePaths()
	for _, dir := range []string{paths.Home, paths.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return paths, nil
}
