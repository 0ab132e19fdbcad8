// Package unityconn manages framed TCP connections to Unity editor
// instances: handshake, length-prefixed framing with heartbeat tolerance,
// a connection pool keyed by instance, and reload-aware command dispatch.
package unityconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize is the hard cap on a single frame payload. Anything larger
// is a protocol violation and fails the connection.
const MaxFrameSize = 64 << 20

var (
	// ErrHeartbeatTimeout means the peer kept sending keep-alive frames
	// without ever producing a reply.
	ErrHeartbeatTimeout = errors.New("unityconn: peer heartbeat exceeded reply window")

	// ErrFrameTooLarge means the peer announced a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("unityconn: frame exceeds size cap")
)

// frameReader decodes length-prefixed frames from a stream. A zero-length
// frame is a heartbeat: the peer is alive but has no reply yet. Heartbeats
// are absorbed up to maxHeartbeats frames or window elapsed since the first
// one, whichever trips first.
type frameReader struct {
	r             io.Reader
	maxHeartbeats int
	window        time.Duration
	now           func() time.Time
}

func newFrameReader(r io.Reader, maxHeartbeats int, window time.Duration) *frameReader {
	return &frameReader{r: r, maxHeartbeats: maxHeartbeats, window: window, now: time.Now}
}

// ReadFrame blocks until a payload frame arrives, absorbing heartbeats.
func (fr *frameReader) ReadFrame() ([]byte, error) {
	header := make([]byte, 8)
	heartbeats := 0
	var firstBeat time.Time
	for {
		if _, err := io.ReadFull(fr.r, header); err != nil {
			return nil, fmt.Errorf("unityconn: read frame header: %w", err)
		}
		length := binary.BigEndian.Uint64(header)
		if length == 0 {
			heartbeats++
			if firstBeat.IsZero() {
				firstBeat = fr.now()
			}
			if heartbeats > fr.maxHeartbeats || fr.now().Sub(firstBeat) > fr.window {
				return nil, ErrHeartbeatTimeout
			}
			continue
		}
		if length > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("unityconn: read frame payload: %w", err)
		}
		return payload, nil
	}
}

// writeFrame writes one frame: 8-byte big-endian length, then the payload.
func writeFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint64(header, uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("unityconn: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("unityconn: write frame payload: %w", err)
	}
	return nil
}
