// Package discovery scans the on-disk coordination files written by Unity
// editor instances and turns them into verified instance descriptors.
package discovery

import (
	"path/filepath"
	"strings"
	"time"
)

// Status reflects an instance's self-reported availability.
type Status string

const (
	StatusRunning   Status = "running"
	StatusReloading Status = "reloading"
)

// Instance is an immutable snapshot of one discovered Unity editor instance.
// Recreated on every scan; never mutated in place.
type Instance struct {
	ID            string     `json:"id"` // "<name>@<hash>"
	Name          string     `json:"name"`
	Path          string     `json:"path"`
	Hash          string     `json:"hash"`
	Port          int        `json:"port"`
	Status        Status     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	UnityVersion  string     `json:"unity_version,omitempty"`
}

// HeartbeatTime returns the last heartbeat, or the zero time when the
// instance has never reported one. Instances without a heartbeat sort last.
func (i Instance) HeartbeatTime() time.Time {
	if i.LastHeartbeat == nil {
		return time.Time{}
	}
	return *i.LastHeartbeat
}

// statusFile is the JSON shape of unity-mcp-status-<hash>.json.
type statusFile struct {
	ProjectPath   string `json:"project_path"`
	UnityPort     int    `json:"unity_port"`
	Reloading     bool   `json:"reloading"`
	LastHeartbeat string `json:"last_heartbeat"`
	UnityVersion  string `json:"unity_version"`
	Reason        string `json:"reason"`
}

// projectNameFromPath derives a project name from the editor's reported
// Assets path, e.g. /Users/x/Projects/MyGame/Assets -> MyGame.
func projectNameFromPath(projectPath string) string {
	if projectPath == "" {
		return "Unknown"
	}
	path := strings.TrimRight(projectPath, "/\\")
	if strings.HasSuffix(path, "Assets") {
		path = strings.TrimRight(path[:len(path)-len("Assets")], "/\\")
	}
	// Status files may come from another OS; split on both separators.
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		path = path[idx+1:]
	}
	if path == "" || path == "." {
		return "Unknown"
	}
	return path
}

// hashFromStatusFile extracts the instance hash embedded in a status file
// name: unity-mcp-status-<hash>.json.
func hashFromStatusFile(path string) string {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "unity-mcp-status-")
	return strings.TrimSuffix(name, ".json")
}

func parseHeartbeat(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	// Editors write RFC 3339; some builds omit the timezone suffix.
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}
