package unityconn

import (
	"testing"
	"time"

	"github.com/unity-mcp/bridge/internal/discovery"
)

func testInstances() []discovery.Instance {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	return []discovery.Instance{
		{ID: "Alpha@a1f0", Name: "Alpha", Hash: "a1f0", Port: 6401, Path: "/proj/Alpha", LastHeartbeat: &older},
		{ID: "Alpha@a2e9", Name: "Alpha", Hash: "a2e9", Port: 6402, Path: "/proj/Alpha2", LastHeartbeat: &newer},
		{ID: "Beta@b3c8", Name: "Beta", Hash: "b3c8", Port: 6403, Path: "/proj/Beta"},
	}
}

func TestResolveDefaultPicksMostRecentHeartbeat(t *testing.T) {
	inst, err := ResolveInstance(testInstances(), "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inst.ID != "Alpha@a2e9" {
		t.Errorf("default = %s, want the most recent heartbeat", inst.ID)
	}
}

func TestResolveConfiguredDefault(t *testing.T) {
	inst, err := ResolveInstance(testInstances(), "", "Beta@b3c8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inst.ID != "Beta@b3c8" {
		t.Errorf("default = %s, want Beta@b3c8", inst.ID)
	}
}

func TestResolvePrecedence(t *testing.T) {
	cases := []struct {
		identifier string
		wantID     string
	}{
		{"Alpha@a1f0", "Alpha@a1f0"}, // exact id
		{"Beta", "Beta@b3c8"},        // unique name
		{"a2e9", "Alpha@a2e9"},       // exact hash
		{"b3", "Beta@b3c8"},          // hash prefix
		{"Alpha@6402", "Alpha@a2e9"}, // name plus port hint
		{"Alpha@a1", "Alpha@a1f0"},   // name plus hash hint
		{"6403", "Beta@b3c8"},        // bare port
		{"/proj/Alpha2", "Alpha@a2e9"},
	}
	for _, tc := range cases {
		inst, err := ResolveInstance(testInstances(), tc.identifier, "")
		if err != nil {
			t.Errorf("%q: %v", tc.identifier, err)
			continue
		}
		if inst.ID != tc.wantID {
			t.Errorf("%q resolved to %s, want %s", tc.identifier, inst.ID, tc.wantID)
		}
	}
}

func TestResolveAmbiguousName(t *testing.T) {
	_, err := ResolveInstance(testInstances(), "Alpha", "")
	if !IsAmbiguous(err) {
		t.Fatalf("err = %v, want AmbiguousError", err)
	}
	amb := err.(*AmbiguousError)
	if len(amb.Candidates) != 2 {
		t.Errorf("candidates = %v, want both Alpha instances", amb.Candidates)
	}
}

func TestResolveAmbiguousHashPrefix(t *testing.T) {
	if _, err := ResolveInstance(testInstances(), "a", ""); !IsAmbiguous(err) {
		t.Fatalf("err = %v, want AmbiguousError", err)
	}
}

func TestResolveNotFoundListsKnownIDs(t *testing.T) {
	_, err := ResolveInstance(testInstances(), "Gamma", "")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	nf := err.(*NotFoundError)
	if len(nf.Known) != 3 {
		t.Errorf("known = %v, want all three ids", nf.Known)
	}
}

func TestResolveEmptyRegistry(t *testing.T) {
	if _, err := ResolveInstance(nil, "anything", ""); !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}
