package unityconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unity-mcp/bridge/internal/config"
	"github.com/unity-mcp/bridge/internal/response"
)

const (
	handshakeMarker  = "FRAMING=1"
	handshakeMaxRead = 512
	legacyChunk      = 8192
)

// ErrFramingRequired means the peer never advertised framing and legacy
// mode is disabled.
var ErrFramingRequired = errors.New("unityconn: peer did not negotiate framing")

// Conn owns one TCP socket to one Unity instance. A Conn is single-attempt:
// any I/O failure closes and clears the socket, and the caller decides
// whether to reconnect. Safe for concurrent use; commands are serialized.
type Conn struct {
	Host       string
	Port       int
	InstanceID string

	cfg *config.Config

	connMu sync.Mutex // guards sock lifecycle
	ioMu   sync.Mutex // serializes send/receive pairs
	sock   net.Conn
	framed bool
}

// New builds an unconnected Conn for the given instance endpoint.
func New(host string, port int, instanceID string, cfg *config.Config) *Conn {
	return &Conn{Host: host, Port: port, InstanceID: instanceID, cfg: cfg}
}

// Connect dials the instance and negotiates framing. Calling Connect on a
// live connection is a no-op.
func (c *Conn) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.sock != nil {
		return nil
	}

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	sock, err := net.DialTimeout("tcp", addr, c.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("unityconn: connect %s: %w", addr, err)
	}
	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	framed, err := c.negotiate(sock)
	if err != nil {
		sock.Close()
		return err
	}
	c.sock = sock
	c.framed = framed
	mode := "framed"
	if !framed {
		mode = "legacy"
	}
	log.Printf("[UnityConn] connected to %s (%s, %s)", c.InstanceID, addr, mode)
	return nil
}

// negotiate reads the peer's handshake line within a bounded window. Strict
// framing (the default) rejects peers that do not advertise the marker.
func (c *Conn) negotiate(sock net.Conn) (bool, error) {
	_ = sock.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer sock.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, handshakeMaxRead)
	tmp := make([]byte, 1)
	for len(buf) < handshakeMaxRead {
		n, err := sock.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[0])
			if tmp[0] == '\n' {
				break
			}
		}
		if err != nil {
			break
		}
	}

	if strings.Contains(string(buf), handshakeMarker) {
		return true, nil
	}
	if c.cfg.RequireFraming {
		// One-line advisory so an old plugin logs why it was refused.
		_, _ = sock.Write([]byte(handshakeMarker + " required\n"))
		return false, fmt.Errorf("%w (%s:%d)", ErrFramingRequired, c.Host, c.Port)
	}
	return false, nil
}

// Connected reports whether the socket is currently open.
func (c *Conn) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sock != nil
}

// Disconnect closes and clears the socket. Safe to call repeatedly.
func (c *Conn) Disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.dropLocked()
}

func (c *Conn) dropLocked() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

// drop closes the socket after an I/O failure so the next send reconnects.
func (c *Conn) drop() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.dropLocked()
}

// SendCommand performs exactly one command round trip. It connects lazily,
// and any I/O failure clears the socket and returns an error; retry policy
// lives in the Dispatcher. A decodable reply, including one reporting a
// Unity-side failure, is returned as a Result with a nil error.
func (c *Conn) SendCommand(ctx context.Context, cmdType string, params map[string]any) (response.Result, error) {
	if err := c.Connect(); err != nil {
		return response.Result{}, err
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.connMu.Lock()
	sock := c.sock
	framed := c.framed
	c.connMu.Unlock()
	if sock == nil {
		return response.Result{}, fmt.Errorf("unityconn: %s: not connected", c.InstanceID)
	}

	deadline := time.Now().Add(c.cfg.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = sock.SetDeadline(deadline)
	defer sock.SetDeadline(time.Time{})

	payload, err := encodeCommand(cmdType, params)
	if err != nil {
		return response.Result{}, err
	}

	raw, err := c.roundTrip(sock, framed, cmdType, payload)
	if err != nil {
		c.drop()
		return response.Result{}, fmt.Errorf("unityconn: %s: %s: %w", c.InstanceID, cmdType, err)
	}
	if cmdType == "ping" && bytes.Equal(bytes.TrimSpace(raw), []byte("pong")) {
		return response.Ok(map[string]any{"message": "pong"}), nil
	}
	result, err := response.DecodeWire(raw)
	if err != nil {
		// Garbage on a live socket; the stream can no longer be trusted.
		c.drop()
		return response.Result{}, fmt.Errorf("unityconn: %s: %s: %w", c.InstanceID, cmdType, err)
	}
	return result, nil
}

func encodeCommand(cmdType string, params map[string]any) ([]byte, error) {
	if cmdType == "ping" {
		// The plugin answers the bare literal faster than a full envelope.
		return []byte("ping"), nil
	}
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"type": cmdType, "params": params})
	if err != nil {
		return nil, fmt.Errorf("unityconn: encode %s: %w", cmdType, err)
	}
	return payload, nil
}

func (c *Conn) roundTrip(sock net.Conn, framed bool, cmdType string, payload []byte) ([]byte, error) {
	if framed {
		if err := writeFrame(sock, payload); err != nil {
			return nil, err
		}
		fr := newFrameReader(sock, c.cfg.MaxHeartbeatFrames, c.cfg.HeartbeatWindow)
		return fr.ReadFrame()
	}
	if _, err := sock.Write(payload); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return readLegacy(sock, cmdType == "ping")
}

// readLegacy accumulates chunks until the buffer parses as complete JSON.
// The ping literal gets a bare pong back, which is not JSON.
func readLegacy(sock net.Conn, expectPong bool) ([]byte, error) {
	buf := make([]byte, 0, legacyChunk)
	tmp := make([]byte, legacyChunk)
	for {
		n, err := sock.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if expectPong && bytes.Equal(bytes.TrimSpace(buf), []byte("pong")) {
				return buf, nil
			}
			if json.Valid(buf) {
				return buf, nil
			}
			if len(buf) > MaxFrameSize {
				return nil, ErrFrameTooLarge
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}
}
