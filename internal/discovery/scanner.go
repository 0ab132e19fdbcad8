package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ProbeFunc verifies that something bridge-shaped answers on host:port.
type ProbeFunc func(host string, port int, timeout time.Duration) bool

// Scanner turns the registry directory's status files into verified
// instance descriptors.
type Scanner struct {
	Dir          string
	Host         string
	ProbeTimeout time.Duration
	FreshFor     time.Duration

	Probe ProbeFunc        // defaults to Probe
	Now   func() time.Time // defaults to time.Now
}

// NewScanner builds a scanner over the given registry directory.
func NewScanner(dir, host string, probeTimeout, freshFor time.Duration) *Scanner {
	return &Scanner{
		Dir:          dir,
		Host:         host,
		ProbeTimeout: probeTimeout,
		FreshFor:     freshFor,
		Probe:        Probe,
		Now:          time.Now,
	}
}

// Discover reads every status file in the registry directory and returns the
// instances that are either reachable or plausibly mid-reload. Malformed
// files are logged and skipped; Discover never fails.
func (s *Scanner) Discover() []Instance {
	paths, err := filepath.Glob(filepath.Join(s.Dir, "unity-mcp-status-*.json"))
	if err != nil || len(paths) == 0 {
		return nil
	}

	now := s.now()
	var found []Instance
	for _, path := range paths {
		inst, ok := s.readStatus(path, now)
		if !ok {
			continue
		}
		found = append(found, inst)
	}
	return dedupeByPort(found)
}

func (s *Scanner) readStatus(path string, now time.Time) (Instance, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[Discovery] skipping %s: %v", filepath.Base(path), err)
		return Instance{}, false
	}
	var status statusFile
	if err := json.Unmarshal(raw, &status); err != nil {
		log.Printf("[Discovery] skipping %s: %v", filepath.Base(path), err)
		return Instance{}, false
	}
	if status.UnityPort <= 0 {
		log.Printf("[Discovery] skipping %s: no unity_port", filepath.Base(path))
		return Instance{}, false
	}

	hash := hashFromStatusFile(path)
	name := projectNameFromPath(status.ProjectPath)
	heartbeat := parseHeartbeat(status.LastHeartbeat)

	inst := Instance{
		ID:            fmt.Sprintf("%s@%s", name, hash),
		Name:          name,
		Path:          status.ProjectPath,
		Hash:          hash,
		Port:          status.UnityPort,
		Status:        StatusRunning,
		LastHeartbeat: heartbeat,
		UnityVersion:  status.UnityVersion,
	}

	if s.probe()(s.Host, status.UnityPort, s.ProbeTimeout) {
		return inst, true
	}

	// Unreachable. Keep it only when the file is fresh and the editor says
	// it is reloading; reload windows must not look like instance loss.
	if status.Reloading && s.freshEnough(path, heartbeat, now) {
		inst.Status = StatusReloading
		return inst, true
	}
	return Instance{}, false
}

// freshEnough reports whether the status file was touched, or its heartbeat
// written, within the freshness window.
func (s *Scanner) freshEnough(path string, heartbeat *time.Time, now time.Time) bool {
	if heartbeat != nil && now.Sub(*heartbeat) < s.FreshFor {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) < s.FreshFor
}

// dedupeByPort keeps the most recently heartbeating instance for each port.
// A crashed editor leaves its status file behind; a new editor on the same
// port must win over it.
func dedupeByPort(instances []Instance) []Instance {
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].HeartbeatTime().After(instances[j].HeartbeatTime())
	})
	seen := make(map[int]bool, len(instances))
	out := instances[:0]
	for _, inst := range instances {
		if seen[inst.Port] {
			continue
		}
		seen[inst.Port] = true
		out = append(out, inst)
	}
	return out
}

func (s *Scanner) probe() ProbeFunc {
	if s.Probe != nil {
		return s.Probe
	}
	return Probe
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
