package discovery

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	probeFrameCap    = 10000 // sanity cap on a ping reply
	handshakeFramed  = "FRAMING=1"
	maxHandshakeLine = 512
)

// Probe checks whether a Unity bridge is actually listening on host:port.
// It sends the 4-byte ping literal unframed, ahead of any handshake, and
// waits for a pong-shaped reply. The peer may answer with its handshake line
// followed by a framed pong, or with a raw pong. A stale status file whose
// port is dead, or occupied by an unrelated service, fails the probe.
func Probe(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte("ping")); err != nil {
		return false
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if probeReplyIsPong(buf) {
				return true
			}
			if len(buf) > probeFrameCap {
				return false
			}
		}
		if err != nil {
			// The reply may be complete already even if the peer hung up.
			return probeReplyIsPong(buf)
		}
	}
	return false
}

// probeReplyIsPong inspects whatever the peer has sent so far. Accepted
// shapes: an advisory handshake line followed by a framed pong, a bare
// framed pong, or a raw pong / JSON pong from a legacy peer.
func probeReplyIsPong(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	// Strip the handshake line when present.
	if buf[0] == 'F' {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return false
		}
		if strings.TrimSpace(string(buf[:idx])) != handshakeFramed {
			return false
		}
		buf = buf[idx+1:]
	}
	if len(buf) >= 8 && buf[0] == 0 {
		// Frame headers for any sane reply start with zero bytes.
		length := binary.BigEndian.Uint64(buf[:8])
		if length == 0 || length > probeFrameCap {
			return false
		}
		if uint64(len(buf)-8) < length {
			return false
		}
		return isPong(buf[8 : 8+length])
	}
	return isPong(buf)
}

// WriteFrame writes one length-prefixed frame: 8-byte big-endian length
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint64(header, uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// isPong recognizes both the literal "pong" reply and the JSON envelope
// {"status":"success","result":{"message":"pong"}}.
func isPong(reply []byte) bool {
	trimmed := bytes.TrimSpace(reply)
	if bytes.Equal(trimmed, []byte("pong")) {
		return true
	}
	var envelope struct {
		Status string `json:"status"`
		Result struct {
			Message string `json:"message"`
		} `json:"result"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return false
	}
	return strings.Contains(envelope.Result.Message, "pong") || envelope.Status == "success"
}
