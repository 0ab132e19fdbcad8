package unityconn

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/eventbus"
	"github.com/unity-mcp/bridge/internal/response"
)

// Backoff caps: a reloading peer comes back quickly, transient socket
// errors even quicker, anything else gets more slack.
const (
	backoffCapReloading = 800 * time.Millisecond
	backoffCapFast      = 250 * time.Millisecond
	backoffCapDefault   = 3 * time.Second
	backoffBase         = 50 * time.Millisecond

	reloadDelayMin = 50 * time.Millisecond
	reloadDelayMax = 250 * time.Millisecond
)

// Dispatcher wraps a pool send in the reload-aware retry policy: a bounded
// wait-out loop for peers that report domain reloads, and a separate
// jittered backoff loop for transport failures with per-instance port
// re-discovery between attempts.
type Dispatcher struct {
	cfg  *config.Config
	pool *Pool
	bus  *eventbus.Bus

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDispatcher builds a dispatcher over the pool.
func NewDispatcher(cfg *config.Config, pool *Pool, bus *eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		cfg:  cfg,
		pool: pool,
		bus:  bus,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SendWithRetry resolves identifier, dispatches one command and retries
// while the peer reports a reload, within the configured wall budget.
// Transport failures never escape as Go errors; every outcome is a Result.
func (d *Dispatcher) SendWithRetry(ctx context.Context, identifier, cmdType string, params map[string]any) response.Result {
	conn, inst, err := d.pool.GetConnection(identifier)
	if err != nil {
		kind := response.KindInternal
		if IsNotFound(err) || IsAmbiguous(err) {
			kind = response.KindConnection
		}
		return response.Err(kind, err.Error())
	}

	// A fresh status file already announcing a reload makes the socket
	// round trip pointless.
	if d.reloadingPreflight(inst) {
		d.publishCommand(ctx, eventbus.TopicCommandsBusy, cmdType, inst.ID, "reloading", 0)
		return response.Busy(response.ReasonReloading, reloadDelayMax, "instance is reloading scripts")
	}

	result := d.sendReloadLoop(ctx, conn, inst, cmdType, params)
	outcome := "ok"
	switch {
	case result.IsBusy():
		outcome = "busy"
	case result.IsErr():
		outcome = "error"
	}
	d.publishCommand(ctx, eventbus.TopicCommandsDispatched, cmdType, inst.ID, outcome, 0)
	return result
}

// sendReloadLoop resends while the peer answers "reloading". The wall
// budget is measured from the first retry, not from the original call.
func (d *Dispatcher) sendReloadLoop(ctx context.Context, conn *Conn, inst discovery.Instance, cmdType string, params map[string]any) response.Result {
	var budgetStart time.Time
	attempts := 0
	for {
		result := d.sendOnce(ctx, conn, inst, cmdType, params)
		if !result.IsReloading() {
			return result
		}
		attempts++

		if budgetStart.IsZero() {
			budgetStart = time.Now()
		} else if time.Since(budgetStart) > d.cfg.ReloadMaxWait {
			log.Printf("[Dispatcher] %s: %s still reloading after %s, handing back busy", inst.ID, cmdType, d.cfg.ReloadMaxWait)
			return response.Busy(response.ReasonReloading, time.Duration(d.cfg.ReloadRetryMS)*time.Millisecond,
				"instance is still reloading, try again shortly")
		}

		delay := clampDelay(result.RetryAfter(), time.Duration(d.cfg.ReloadRetryMS)*time.Millisecond)
		d.publishCommand(ctx, eventbus.TopicCommandsRetried, cmdType, inst.ID, "reloading", attempts)
		if !sleepCtx(ctx, delay) {
			return response.Err(response.KindTimeout, "cancelled while waiting for reload")
		}
	}
}

// sendOnce drives the transport-level retry loop for a single logical send:
// reconnects with jittered backoff and re-discovers the instance's port
// between attempts. A reply from the peer, of any shape, ends the loop.
func (d *Dispatcher) sendOnce(ctx context.Context, conn *Conn, inst discovery.Instance, cmdType string, params map[string]any) response.Result {
	maxAttempts := d.cfg.MaxRetries
	if maxAttempts < 5 {
		maxAttempts = 5
	}

	var lastErr error
	delay := backoffBase
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay = d.jitter(delay, d.backoffCap(inst.Hash, lastErr))
			if !sleepCtx(ctx, delay) {
				return response.Err(response.KindTimeout, "cancelled during transport retry")
			}
			conn = d.rediscover(conn, inst)
		}

		result, err := conn.SendCommand(ctx, cmdType, params)
		if err == nil {
			return result
		}
		lastErr = err
		log.Printf("[Dispatcher] %s: %s attempt %d/%d failed: %v", inst.ID, cmdType, attempt+1, maxAttempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	return response.Errf(response.KindConnection, "instance %s unreachable: %v", inst.ID, lastErr)
}

// rediscover re-reads the registry for the specific instance and swaps to a
// fresh Conn when its port moved; a full pool re-resolve is the fallback.
func (d *Dispatcher) rediscover(conn *Conn, inst discovery.Instance) *Conn {
	if fresh, ok := d.pool.RefreshInstance(inst.ID); ok && fresh.Port != conn.Port {
		log.Printf("[Dispatcher] %s: port moved %d -> %d", inst.ID, conn.Port, fresh.Port)
		if next, _, err := d.pool.GetConnection(inst.ID); err == nil {
			conn.Disconnect()
			return next
		}
	}
	return conn
}

// reloadingPreflight checks the instance's own status file; only a fresh
// file that self-reports reloading short-circuits the send.
func (d *Dispatcher) reloadingPreflight(inst discovery.Instance) bool {
	if inst.Status == discovery.StatusReloading {
		return true
	}
	return d.statusReportsReloading(inst.Hash)
}

// statusReportsReloading reads the instance's status file directly; a full
// registry rescan is too heavy to run between backoff sleeps.
func (d *Dispatcher) statusReportsReloading(hash string) bool {
	if hash == "" {
		return false
	}
	path := config.StatusFilePath(hash)
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > d.cfg.StatusFreshFor {
		return false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var status struct {
		Reloading bool `json:"reloading"`
	}
	return json.Unmarshal(raw, &status) == nil && status.Reloading
}

// backoffCap picks the jitter cap for the next transport retry.
func (d *Dispatcher) backoffCap(hash string, lastErr error) time.Duration {
	if d.statusReportsReloading(hash) {
		return backoffCapReloading
	}
	if isFastSocketError(lastErr) {
		return backoffCapFast
	}
	return backoffCapDefault
}

// jitter advances a decorrelated-jitter backoff: random in [base, prev*3],
// clamped to limit.
func (d *Dispatcher) jitter(prev, limit time.Duration) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	upper := prev * 3
	if upper <= backoffBase {
		upper = backoffBase + 1
	}
	next := backoffBase + time.Duration(d.rnd.Int63n(int64(upper-backoffBase)))
	if next > limit {
		next = limit
	}
	return next
}

func (d *Dispatcher) publishCommand(ctx context.Context, topic eventbus.Topic, cmdType, instanceID, outcome string, attempts int) {
	ev := eventbus.CommandEvent{Command: cmdType, InstanceID: instanceID, Outcome: outcome, Attempts: attempts}
	switch topic {
	case eventbus.TopicCommandsRetried:
		eventbus.Publish(ctx, d.bus, eventbus.CommandsRetried, eventbus.SourceDispatcher, ev)
	case eventbus.TopicCommandsBusy:
		eventbus.Publish(ctx, d.bus, eventbus.CommandsBusy, eventbus.SourceDispatcher, ev)
	default:
		eventbus.Publish(ctx, d.bus, eventbus.CommandsDispatched, eventbus.SourceDispatcher, ev)
	}
}

// isFastSocketError recognizes errors where an immediate retry is cheap:
// refused or reset connections, rather than timeouts.
func isFastSocketError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// clampDelay bounds a peer-supplied retry hint; zero means no hint.
func clampDelay(hint, def time.Duration) time.Duration {
	if hint <= 0 {
		hint = def
	}
	if hint < reloadDelayMin {
		return reloadDelayMin
	}
	if hint > reloadDelayMax {
		return reloadDelayMax
	}
	return hint
}

// sleepCtx sleeps unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
