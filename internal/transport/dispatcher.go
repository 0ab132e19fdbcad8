// Package transport selects how a command reaches the editor: over the
// framed TCP socket pool or through the WebSocket session hub. Callers
// above this seam never see transport-specific retry logic.
package transport

import (
	"context"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/hub"
	"github.com/unity-mcp/bridge/internal/response"
	"github.com/unity-mcp/bridge/internal/routing"
	"github.com/unity-mcp/bridge/internal/unityconn"
)

// Dispatcher routes commands to the configured transport and applies the
// caller's active-instance selection when no explicit target is given.
type Dispatcher struct {
	cfg    *config.Config
	socket *unityconn.Dispatcher
	pool   *unityconn.Pool
	hub    *hub.Hub
	router *routing.Router
}

// New wires a dispatcher. hub may be nil when only the socket transport is
// configured, and vice versa.
func New(cfg *config.Config, pool *unityconn.Pool, socket *unityconn.Dispatcher, h *hub.Hub, router *routing.Router) *Dispatcher {
	d := &Dispatcher{cfg: cfg, socket: socket, pool: pool, hub: h, router: router}
	if router != nil {
		router.BindLister(d.InstanceIDs)
	}
	return d
}

// Send dispatches one command for the given caller. An empty instance falls
// back to the caller's active selection, which auto-selects when exactly
// one instance is reachable.
func (d *Dispatcher) Send(ctx context.Context, clientID, instance, name string, params map[string]any, timeout time.Duration) response.Result {
	target := instance
	if target == "" && d.router != nil {
		target = d.router.Active(routing.SessionKey(clientID))
	}

	if d.cfg.Transport == config.TransportHTTP {
		if d.hub == nil {
			return response.Err(response.KindInternal, "http transport configured but no session hub running")
		}
		return d.hub.SendForInstance(ctx, target, name, params, timeout)
	}
	if d.socket == nil {
		return response.Err(response.KindInternal, "stdio transport configured but no socket dispatcher running")
	}
	return d.socket.SendWithRetry(ctx, target, name, params)
}

// Instances lists what the active transport can currently reach.
func (d *Dispatcher) Instances(force bool) []discovery.Instance {
	if d.cfg.Transport == config.TransportHTTP {
		if d.hub == nil {
			return nil
		}
		sessions := d.hub.Sessions()
		out := make([]discovery.Instance, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, discovery.Instance{
				ID:           sess.ProjectName + "@" + sess.ProjectHash,
				Name:         sess.ProjectName,
				Hash:         sess.ProjectHash,
				Status:       discovery.StatusRunning,
				UnityVersion: sess.UnityVersion,
			})
		}
		return out
	}
	if d.pool == nil {
		return nil
	}
	return d.pool.DiscoverAll(force)
}

// InstanceIDs supports routing auto-select.
func (d *Dispatcher) InstanceIDs() []string {
	instances := d.Instances(false)
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids
}

// SetActive records instanceID as the caller's selection after verifying it
// resolves to something reachable right now.
func (d *Dispatcher) SetActive(clientID, instanceID string) (discovery.Instance, error) {
	inst, err := unityconn.ResolveInstance(d.Instances(true), instanceID, "")
	if err != nil {
		return discovery.Instance{}, err
	}
	d.router.SetActive(routing.SessionKey(clientID), inst.ID)
	return inst, nil
}

// Active returns the caller's current selection, if any.
func (d *Dispatcher) Active(clientID string) string {
	return d.router.Active(routing.SessionKey(clientID))
}

// ClearActive forgets the caller's selection.
func (d *Dispatcher) ClearActive(clientID string) {
	d.router.Clear(routing.SessionKey(clientID))
}
