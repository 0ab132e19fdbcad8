package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/discovery"
	"github.com/unity-mcp/bridge/internal/eventbus"
	"github.com/unity-mcp/bridge/internal/response"
	"github.com/unity-mcp/bridge/internal/unityconn"
)

const (
	maxMessageSize = 16 << 20
	writeTimeout   = 10 * time.Second

	// Caller-requested timeout bounds for slow commands, plus the cushion
	// added so the hub never races the plugin's own deadline.
	timeoutFloor   = 1 * time.Second
	timeoutCeiling = 1 * time.Hour
	timeoutCushion = 5 * time.Second

	resolvePollInterval = 100 * time.Millisecond
	readyPingInterval   = 250 * time.Millisecond

	disconnectRetryAfter = 250 * time.Millisecond
)

// fastFailCommands are polled frequently by callers that tolerate transient
// unavailability; they get a short timeout and a retry hint on expiry
// instead of a hard failure.
var fastFailCommands = map[string]bool{
	"ping":             true,
	"read_console":     true,
	"get_editor_state": true,
}

// pendingCommand is one in-flight execute_command awaiting its result.
type pendingCommand struct {
	sessionID string
	done      chan response.Result
}

// Hub owns all live plugin sessions and the pending-command table. One
// mutex guards both, so registering a pending command and a concurrent
// disconnect of its session cannot interleave.
type Hub struct {
	cfg *config.Config
	bus *eventbus.Bus

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*pendingCommand
}

// New builds an empty hub.
func New(cfg *config.Config, bus *eventbus.Bus) *Hub {
	return &Hub{
		cfg: cfg,
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Plugins connect from the local editor, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingCommand),
	}
}

// HandleWebSocket upgrades an incoming plugin connection and runs it until
// disconnect.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}
	sess := newSession(h, conn)
	go sess.writePump()
	sess.enqueue(Message{
		Type:              msgWelcome,
		ServerTimeout:     int(h.cfg.ServerTimeout / time.Second),
		KeepAliveInterval: int(h.cfg.KeepAliveInterval / time.Second),
	})
	sess.readPump()
}

func (h *Hub) handleMessage(sess *Session, msg Message) {
	switch msg.Type {
	case msgRegister:
		h.register(sess, msg)
	case msgRegisterTools:
		sess.mu.Lock()
		sess.tools = msg.Tools
		sess.state = StateActive
		sess.mu.Unlock()
		log.Printf("[Hub] session %s registered %d tools", sess.ID, len(msg.Tools))
	case msgPong:
		sess.mu.Lock()
		sess.lastPong = time.Now()
		sess.mu.Unlock()
	case msgResult:
		h.resolvePending(msg.ID, decodeResult(msg.Result))
	default:
		log.Printf("[Hub] session %s: unknown message type %q", sess.ID, msg.Type)
	}
}

// register assigns a session id and replaces any earlier session for the
// same project hash; the plugin reconnects after every domain reload.
func (h *Hub) register(sess *Session, msg Message) {
	sess.ID = uuid.NewString()
	sess.ProjectName = msg.ProjectName
	sess.ProjectHash = msg.ProjectHash
	sess.UnityVersion = msg.UnityVersion
	sess.setState(StateRegistered)

	h.mu.Lock()
	var stale []*Session
	for key, old := range h.sessions {
		if old == sess {
			// Re-register on the same connection: drop the entry under
			// the previous id, the connection stays up.
			delete(h.sessions, key)
			continue
		}
		if msg.ProjectHash != "" && old.ProjectHash == msg.ProjectHash {
			stale = append(stale, old)
			delete(h.sessions, key)
		}
	}
	h.sessions[sess.ID] = sess
	h.mu.Unlock()

	for _, old := range stale {
		log.Printf("[Hub] session %s superseded by %s (%s)", old.ID, sess.ID, msg.ProjectName)
		old.conn.Close()
	}
	log.Printf("[Hub] session %s registered: %s@%s unity=%s", sess.ID, msg.ProjectName, msg.ProjectHash, msg.UnityVersion)

	sess.enqueue(Message{Type: msgRegistered, SessionID: sess.ID})
	eventbus.Publish(context.Background(), h.bus, eventbus.SessionsConnected, eventbus.SourceHub, eventbus.SessionEvent{
		SessionID:   sess.ID,
		ProjectName: msg.ProjectName,
		ProjectHash: msg.ProjectHash,
	})
}

// disconnect tears a session down and force-resolves every command it
// still owes a result for. Pending slots are resolved inside the same
// critical section that removes the session, so no new command can slip in
// against a half-dead session.
func (h *Hub) disconnect(sess *Session) {
	sess.setState(StateDisconnected)

	h.mu.Lock()
	if sess.ID != "" {
		delete(h.sessions, sess.ID)
	}
	var orphaned []*pendingCommand
	for id, cmd := range h.pending {
		if cmd.sessionID == sess.ID {
			orphaned = append(orphaned, cmd)
			delete(h.pending, id)
		}
	}
	h.mu.Unlock()

	sess.conn.Close()

	busy := response.Busy(response.ReasonNoSession, disconnectRetryAfter,
		"editor disconnected while the command was running, likely a domain reload")
	for _, cmd := range orphaned {
		cmd.done <- busy
	}
	if sess.ID != "" {
		log.Printf("[Hub] session %s disconnected (%d commands force-resolved)", sess.ID, len(orphaned))
		eventbus.Publish(context.Background(), h.bus, eventbus.SessionsDisconnect, eventbus.SourceHub, eventbus.SessionEvent{
			SessionID:   sess.ID,
			ProjectName: sess.ProjectName,
			ProjectHash: sess.ProjectHash,
		})
	}
}

// resolvePending completes one in-flight command. A result arriving after
// its caller timed out is discarded.
func (h *Hub) resolvePending(commandID string, result response.Result) {
	h.mu.Lock()
	cmd, ok := h.pending[commandID]
	if ok {
		delete(h.pending, commandID)
	}
	h.mu.Unlock()
	if ok {
		cmd.done <- result
	}
}

func decodeResult(raw json.RawMessage) response.Result {
	if len(raw) == 0 {
		return response.Err(response.KindProtocol, "command_result carried no result")
	}
	result, err := response.DecodeWire(raw)
	if err != nil {
		return response.Err(response.KindProtocol, err.Error())
	}
	return result
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// PendingCommandCount returns the number of in-flight commands.
func (h *Hub) PendingCommandCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Sessions snapshots the registered sessions for display.
func (h *Hub) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, sess)
	}
	return out
}

// SendCommand dispatches one command to a specific session and waits for
// its result. Fast-path commands time out quickly and degrade to a retry
// hint; everything else honors the caller's requested timeout within
// bounds, plus a cushion beyond what the plugin is told.
func (h *Hub) SendCommand(ctx context.Context, sessionID, name string, params map[string]any, requested time.Duration) response.Result {
	pluginTimeout, wait := h.timeouts(name, requested)

	rawParams, err := json.Marshal(params)
	if err != nil {
		return response.Errf(response.KindInternal, "encode params for %s: %v", name, err)
	}

	commandID := uuid.NewString()
	cmd := &pendingCommand{sessionID: sessionID, done: make(chan response.Result, 1)}

	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return response.Busy(response.ReasonNoSession, disconnectRetryAfter, "no editor session connected")
	}
	h.pending[commandID] = cmd
	h.mu.Unlock()

	ok = sess.enqueue(Message{
		Type:    msgExecute,
		ID:      commandID,
		Name:    name,
		Params:  rawParams,
		Timeout: int(pluginTimeout / time.Second),
	})
	if !ok {
		h.abandon(commandID)
		return response.Busy(response.ReasonNoSession, disconnectRetryAfter, "editor session is not accepting commands")
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case result := <-cmd.done:
		return result
	case <-ctx.Done():
		h.abandon(commandID)
		return response.Err(response.KindTimeout, "cancelled while waiting for the editor")
	case <-timer.C:
		h.abandon(commandID)
		if fastFailCommands[name] {
			return response.Busy(response.ReasonBusy, disconnectRetryAfter,
				"editor did not answer within the fast-path budget")
		}
		return response.Errf(response.KindTimeout, "%s timed out after %s", name, wait)
	}
}

// timeouts picks the timeout told to the plugin and the (cushioned) wait
// the hub itself applies.
func (h *Hub) timeouts(name string, requested time.Duration) (pluginTimeout, wait time.Duration) {
	if fastFailCommands[name] {
		return h.cfg.FastFailTimeout, h.cfg.FastFailTimeout
	}
	pluginTimeout = h.cfg.CommandTimeout
	if requested > 0 {
		pluginTimeout = requested
		if pluginTimeout < timeoutFloor {
			pluginTimeout = timeoutFloor
		}
		if pluginTimeout > timeoutCeiling {
			pluginTimeout = timeoutCeiling
		}
	}
	return pluginTimeout, pluginTimeout + timeoutCushion
}

// abandon removes a pending slot whose caller has given up; a late result
// is discarded in resolvePending.
func (h *Hub) abandon(commandID string) {
	h.mu.Lock()
	delete(h.pending, commandID)
	h.mu.Unlock()
}

// ResolveSession maps an optional instance hint to a registered session,
// polling briefly because a plugin's reconnect after a reload is expected
// to land within the window. With no hint, a single session auto-selects
// and multiple sessions demand an explicit choice.
func (h *Hub) ResolveSession(ctx context.Context, hint string) (*Session, error) {
	deadline := time.Now().Add(h.cfg.SessionResolveMax)
	for {
		sess, err := h.resolveOnce(hint)
		if err == nil {
			return sess, nil
		}
		if unityconn.IsAmbiguous(err) {
			return nil, err
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resolvePollInterval):
		}
	}
}

func (h *Hub) resolveOnce(hint string) (*Session, error) {
	sessions := h.Sessions()
	if hint == "" {
		switch len(sessions) {
		case 0:
			return nil, &unityconn.NotFoundError{Identifier: hint}
		case 1:
			return sessions[0], nil
		default:
			return nil, &unityconn.AmbiguousError{Identifier: "(auto)", Candidates: sessionIDs(sessions)}
		}
	}

	// Reuse the socket-path resolver over synthetic descriptors so both
	// transports accept the same identifier grammar.
	bySynthetic := make(map[string]*Session, len(sessions))
	descriptors := make([]discovery.Instance, 0, len(sessions))
	for _, sess := range sessions {
		inst := discovery.Instance{
			ID:   sess.ProjectName + "@" + sess.ProjectHash,
			Name: sess.ProjectName,
			Hash: sess.ProjectHash,
		}
		descriptors = append(descriptors, inst)
		bySynthetic[inst.ID] = sess
	}
	inst, err := unityconn.ResolveInstance(descriptors, hint, "")
	if err != nil {
		return nil, err
	}
	return bySynthetic[inst.ID], nil
}

// ToolsForProject returns the tool specs registered by the session the hint
// resolves to. The hint grammar matches command routing; an empty hint
// auto-selects a lone session. A registered session that has not advertised
// tools yet yields an empty set, not an error.
func (h *Hub) ToolsForProject(hint string) ([]ToolSpec, error) {
	sess, err := h.resolveOnce(hint)
	if err != nil {
		return nil, err
	}
	return sess.Tools(), nil
}

func sessionIDs(sessions []*Session) []string {
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ProjectName + "@" + sess.ProjectHash
	}
	return ids
}

// SendForInstance resolves a session for the hint and dispatches the
// command. Fast-path commands other than ping get one bounded readiness
// probe first: a freshly reconnected plugin may not be able to execute on
// the editor's main thread yet.
func (h *Hub) SendForInstance(ctx context.Context, hint, name string, params map[string]any, requested time.Duration) response.Result {
	sess, err := h.ResolveSession(ctx, hint)
	if err != nil {
		if unityconn.IsAmbiguous(err) {
			return response.Err(response.KindConnection, err.Error())
		}
		return response.Busy(response.ReasonNoSession, disconnectRetryAfter, "no editor session connected")
	}

	if fastFailCommands[name] && name != "ping" {
		if ready := h.awaitReady(ctx, sess.ID); !ready.IsOK() {
			return ready
		}
	}
	return h.SendCommand(ctx, sess.ID, name, params, requested)
}

// awaitReady pings the session until it answers or the readiness window
// closes.
func (h *Hub) awaitReady(ctx context.Context, sessionID string) response.Result {
	deadline := time.Now().Add(h.cfg.SessionReadyWait)
	var last response.Result
	for {
		last = h.SendCommand(ctx, sessionID, "ping", nil, 0)
		if last.IsOK() {
			return last
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(readyPingInterval):
		}
	}
}
