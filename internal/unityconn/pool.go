package unityconn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/eventbus"
)

// Pool caches discovered instances for a short TTL and hands out one Conn
// per instance, created lazily. Instance arrivals and departures are
// published on the bus.
type Pool struct {
	cfg     *config.Config
	scanner *discovery.Scanner
	bus     *eventbus.Bus

	mu        sync.Mutex
	instances []discovery.Instance
	scannedAt time.Time
	conns     map[string]*Conn
	now       func() time.Time
}

// NewPool builds a pool over the given scanner.
func NewPool(cfg *config.Config, scanner *discovery.Scanner, bus *eventbus.Bus) *Pool {
	return &Pool{
		cfg:     cfg,
		scanner: scanner,
		bus:     bus,
		conns:   make(map[string]*Conn),
		now:     time.Now,
	}
}

// DiscoverAll returns the known instances, rescanning when the cache is
// older than the discovery TTL or force is set.
func (p *Pool) DiscoverAll(force bool) []discovery.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && p.now().Sub(p.scannedAt) < p.cfg.DiscoveryTTL && p.instances != nil {
		return append([]discovery.Instance(nil), p.instances...)
	}

	fresh := p.scanner.Discover()
	if len(fresh) == 0 {
		// A peer that predates the status registry only writes a port
		// file; it is reachable even though no status file names it.
		if inst, ok := p.scanner.LegacyInstance(p.cfg.DefaultPort); ok {
			fresh = []discovery.Instance{inst}
		}
	}
	p.publishDiff(p.instances, fresh)
	p.instances = fresh
	p.scannedAt = p.now()
	return append([]discovery.Instance(nil), fresh...)
}

// publishDiff emits discovered/lost events for the delta between scans.
// Called with p.mu held.
func (p *Pool) publishDiff(old, fresh []discovery.Instance) {
	prev := make(map[string]discovery.Instance, len(old))
	for _, inst := range old {
		prev[inst.ID] = inst
	}
	ctx := context.Background()
	for _, inst := range fresh {
		if _, ok := prev[inst.ID]; !ok {
			eventbus.Publish(ctx, p.bus, eventbus.InstancesDiscovered, eventbus.SourceDiscovery, instanceEvent(inst))
		}
		delete(prev, inst.ID)
	}
	for _, inst := range prev {
		eventbus.Publish(ctx, p.bus, eventbus.InstancesLost, eventbus.SourceDiscovery, instanceEvent(inst))
	}
}

func instanceEvent(inst discovery.Instance) eventbus.InstanceEvent {
	return eventbus.InstanceEvent{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Hash:       inst.Hash,
		Port:       inst.Port,
		Status:     string(inst.Status),
	}
}

// Resolve maps a loose identifier onto one known instance, rescanning first
// when the cache is cold.
func (p *Pool) Resolve(identifier string) (discovery.Instance, error) {
	instances := p.DiscoverAll(false)
	inst, err := ResolveInstance(instances, identifier, p.cfg.DefaultInstanceID)
	if err == nil || !IsNotFound(err) || len(instances) > 0 {
		return inst, err
	}
	// Cold start with nothing cached can race a just-launched editor.
	return ResolveInstance(p.DiscoverAll(true), identifier, p.cfg.DefaultInstanceID)
}

// GetConnection resolves identifier and returns the Conn for that instance,
// creating it on first use. A cached Conn whose instance moved ports is
// dropped and rebuilt.
func (p *Pool) GetConnection(identifier string) (*Conn, discovery.Instance, error) {
	inst, err := p.Resolve(identifier)
	if err != nil {
		return nil, discovery.Instance{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[inst.ID]
	if ok && conn.Port != inst.Port {
		log.Printf("[Pool] %s moved from port %d to %d", inst.ID, conn.Port, inst.Port)
		conn.Disconnect()
		ok = false
	}
	if !ok {
		conn = New(p.cfg.UnityHost, inst.Port, inst.ID, p.cfg)
		p.conns[inst.ID] = conn
	}
	return conn, inst, nil
}

// InstanceCount returns the number of instances in the current cache,
// rescanning when it is stale.
func (p *Pool) InstanceCount() int {
	return len(p.DiscoverAll(false))
}

// RefreshInstance force-rescans and returns the instance's current
// descriptor, if it is still present.
func (p *Pool) RefreshInstance(id string) (discovery.Instance, bool) {
	for _, inst := range p.DiscoverAll(true) {
		if inst.ID == id {
			return inst, true
		}
	}
	return discovery.Instance{}, false
}

// DisconnectAll closes every pooled connection. The pool stays usable.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		conn.Disconnect()
		delete(p.conns, id)
	}
}
