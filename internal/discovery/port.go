package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DiscoverPort finds the port of the single most plausible instance when the
// caller has no identifier at all: the freshest status file whose port
// answers a probe, then any port file's port that answers, then the first
// port seen anywhere, then the fallback.
func (s *Scanner) DiscoverPort(fallback int) int {
	firstSeen := 0
	for _, port := range s.candidatePorts() {
		if firstSeen == 0 {
			firstSeen = port
		}
		if s.probe()(s.Host, port, s.ProbeTimeout) {
			return port
		}
	}
	if firstSeen != 0 {
		return firstSeen
	}
	return fallback
}

// LegacyInstance synthesizes a descriptor for an editor that answers on a
// discovered port but never wrote a status file; old plugin builds only
// write port files. Returns false when no candidate port answers a probe.
func (s *Scanner) LegacyInstance(fallback int) (Instance, bool) {
	ports := s.candidatePorts()
	if fallback > 0 {
		ports = append(ports, fallback)
	}
	seen := make(map[int]bool, len(ports))
	for _, port := range ports {
		if seen[port] {
			continue
		}
		seen[port] = true
		if !s.probe()(s.Host, port, s.ProbeTimeout) {
			continue
		}
		hash := fmt.Sprintf("port-%d", port)
		return Instance{
			ID:     "default@" + hash,
			Name:   "default",
			Hash:   hash,
			Port:   port,
			Status: StatusRunning,
		}, true
	}
	return Instance{}, false
}

// candidatePorts lists ports from status files, then hashed port files, then
// the legacy unhashed port file, newest first within each group.
func (s *Scanner) candidatePorts() []int {
	var ports []int
	seen := make(map[int]bool)
	add := func(port int) {
		if port > 0 && !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}

	for _, path := range newestFirst(filepath.Join(s.Dir, "unity-mcp-status-*.json")) {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var status statusFile
		if json.Unmarshal(raw, &status) == nil {
			add(status.UnityPort)
		}
	}
	files := newestFirst(filepath.Join(s.Dir, "unity-mcp-port-*.json"))
	files = append(files, filepath.Join(s.Dir, "unity-mcp-port.json"))
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var pf struct {
			UnityPort int `json:"unity_port"`
		}
		if json.Unmarshal(raw, &pf) == nil {
			add(pf.UnityPort)
		}
	}
	return ports
}

func newestFirst(pattern string) []string {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	mtimes := make(map[string]time.Time, len(paths))
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			mtimes[path] = info.ModTime()
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		return mtimes[paths[i]].After(mtimes[paths[j]])
	})
	return paths
}
