package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State tracks a session through its lifecycle. Disconnected is terminal.
type State string

const (
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
)

const sendQueueSize = 32

// Session is one plugin connection. Identity fields are written once during
// registration (under the hub lock) and read-only afterwards.
type Session struct {
	ID           string
	ProjectName  string
	ProjectHash  string
	UnityVersion string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	state    State
	tools    []ToolSpec
	lastPong time.Time
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		state:    StateConnected,
		lastPong: time.Now(),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Tools returns the tool specs the plugin registered, if any.
func (s *Session) Tools() []ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolSpec(nil), s.tools...)
}

// enqueue hands a message to the write pump. A session whose queue is full
// is falling behind badly enough to treat as dead.
func (s *Session) enqueue(msg Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] session %s: encode %s: %v", s.ID, msg.Type, err)
		return false
	}
	select {
	case s.send <- raw:
		return true
	default:
		log.Printf("[Hub] session %s: send queue full, dropping connection", s.ID)
		s.conn.Close()
		return false
	}
}

// readPump consumes plugin messages until the socket dies, then triggers
// disconnect handling.
func (s *Session) readPump() {
	defer s.hub.disconnect(s)
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] session %s: read: %v", s.ID, err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[Hub] session %s: malformed message: %v", s.ID, err)
			continue
		}
		s.hub.handleMessage(s, msg)
	}
}

// writePump drains the send queue and emits protocol-level pings so an idle
// editor connection stays open through NATs and proxies.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.KeepAliveInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
