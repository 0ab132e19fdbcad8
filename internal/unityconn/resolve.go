package unityconn

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/unity-mcp/bridge/internal/discovery"
)

// NotFoundError reports an identifier that matched no known instance.
type NotFoundError struct {
	Identifier string
	Known      []string
}

func (e *NotFoundError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unityconn: no instances available (wanted %q)", e.Identifier)
	}
	return fmt.Sprintf("unityconn: instance %q not found; known: %s", e.Identifier, strings.Join(e.Known, ", "))
}

// AmbiguousError reports an identifier that matched more than one instance.
// Ambiguity is never silently resolved.
type AmbiguousError struct {
	Identifier string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("unityconn: instance %q is ambiguous; candidates: %s", e.Identifier, strings.Join(e.Candidates, ", "))
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguous reports whether err wraps an AmbiguousError.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}

// ResolveInstance maps a loose identifier onto exactly one instance. The
// first unambiguous rule wins: empty identifier (default id, else most
// recent heartbeat), exact id, project name, hash or hash prefix, composite
// name@hint, numeric port, filesystem path. The session hub reuses this
// resolver over descriptors it synthesizes from registered sessions.
func ResolveInstance(instances []discovery.Instance, identifier, defaultID string) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, &NotFoundError{Identifier: identifier}
	}

	if identifier == "" {
		if defaultID != "" {
			return ResolveInstance(instances, defaultID, "")
		}
		return mostRecent(instances), nil
	}

	for _, inst := range instances {
		if inst.ID == identifier {
			return inst, nil
		}
	}

	if inst, err, done := matchOne(instances, identifier, func(i discovery.Instance) bool {
		return i.Name == identifier
	}); done {
		return inst, err
	}

	if inst, err, done := matchOne(instances, identifier, func(i discovery.Instance) bool {
		return i.Hash != "" && (i.Hash == identifier || strings.HasPrefix(i.Hash, identifier))
	}); done {
		return inst, err
	}

	if name, hint, ok := strings.Cut(identifier, "@"); ok && name != "" && hint != "" {
		port, _ := strconv.Atoi(hint)
		if inst, err, done := matchOne(instances, identifier, func(i discovery.Instance) bool {
			return i.Name == name && (strings.HasPrefix(i.Hash, hint) || (port > 0 && i.Port == port))
		}); done {
			return inst, err
		}
	}

	if port, err := strconv.Atoi(identifier); err == nil && port > 0 {
		for _, inst := range instances {
			if inst.Port == port {
				return inst, nil
			}
		}
	}

	for _, inst := range instances {
		if inst.Path != "" && inst.Path == identifier {
			return inst, nil
		}
	}

	return discovery.Instance{}, &NotFoundError{Identifier: identifier, Known: instanceIDs(instances)}
}

// matchOne applies one resolution rule. done is false when nothing matched
// and the next rule should run.
func matchOne(instances []discovery.Instance, identifier string, pred func(discovery.Instance) bool) (discovery.Instance, error, bool) {
	var hits []discovery.Instance
	for _, inst := range instances {
		if pred(inst) {
			hits = append(hits, inst)
		}
	}
	switch len(hits) {
	case 0:
		return discovery.Instance{}, nil, false
	case 1:
		return hits[0], nil, true
	default:
		return discovery.Instance{}, &AmbiguousError{Identifier: identifier, Candidates: instanceIDs(hits)}, true
	}
}

// mostRecent picks the instance with the newest heartbeat; instances with
// no heartbeat sort last.
func mostRecent(instances []discovery.Instance) discovery.Instance {
	best := instances[0]
	for _, inst := range instances[1:] {
		if inst.HeartbeatTime().After(best.HeartbeatTime()) {
			best = inst
		}
	}
	return best
}

func instanceIDs(instances []discovery.Instance) []string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	sort.Strings(ids)
	return ids
}
