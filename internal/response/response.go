// Package response defines the transport-agnostic command result passed
// between the dispatch layer and its callers. The editor's wire encoding
// ({"status": ...} frames) is decoded here and nowhere else; everything
// above this package works with the tagged Result type.
package response

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BusyReason labels a transient condition that callers should retry.
type BusyReason string

const (
	ReasonReloading    BusyReason = "reloading"
	ReasonTestsRunning BusyReason = "tests_running"
	ReasonNoSession    BusyReason = "no_unity_session"
	ReasonBusy         BusyReason = "busy"
)

// ErrorKind classifies hard failures surfaced to callers.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindProtocol   ErrorKind = "protocol"
	KindTimeout    ErrorKind = "timeout"
	KindUnity      ErrorKind = "unity"
	KindInternal   ErrorKind = "internal"
)

type tag int

const (
	tagOK tag = iota
	tagBusy
	tagErr
)

// Result is exactly one of: a successful payload, a transient busy signal
// with a suggested retry delay, or a hard error.
type Result struct {
	tag        tag
	payload    map[string]any
	reason     BusyReason
	retryAfter time.Duration
	errKind    ErrorKind
	message    string
}

// Ok wraps a successful command payload.
func Ok(payload map[string]any) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{tag: tagOK, payload: payload}
}

// Busy signals a transient condition the caller should retry after the
// suggested delay. It is never a hard failure.
func Busy(reason BusyReason, retryAfter time.Duration, message string) Result {
	return Result{tag: tagBusy, reason: reason, retryAfter: retryAfter, message: message}
}

// Err wraps a hard failure of the given kind.
func Err(kind ErrorKind, message string) Result {
	return Result{tag: tagErr, errKind: kind, message: message}
}

// Errf is Err with fmt.Sprintf semantics.
func Errf(kind ErrorKind, format string, args ...any) Result {
	return Err(kind, fmt.Sprintf(format, args...))
}

func (r Result) IsOK() bool   { return r.tag == tagOK }
func (r Result) IsBusy() bool { return r.tag == tagBusy }
func (r Result) IsErr() bool  { return r.tag == tagErr }

// IsReloading reports whether the result is a busy signal caused by an
// editor reload.
func (r Result) IsReloading() bool {
	return r.tag == tagBusy && r.reason == ReasonReloading
}

// Payload returns the success payload; nil unless IsOK.
func (r Result) Payload() map[string]any {
	if r.tag != tagOK {
		return nil
	}
	return r.payload
}

// Reason returns the busy reason; empty unless IsBusy.
func (r Result) Reason() BusyReason {
	if r.tag != tagBusy {
		return ""
	}
	return r.reason
}

// RetryAfter returns the suggested retry delay for busy results.
func (r Result) RetryAfter() time.Duration {
	if r.tag != tagBusy {
		return 0
	}
	return r.retryAfter
}

// ErrKind returns the error classification; empty unless IsErr.
func (r Result) ErrKind() ErrorKind {
	if r.tag != tagErr {
		return ""
	}
	return r.errKind
}

// Message returns the human-readable message for busy and error results.
func (r Result) Message() string {
	return r.message
}

// Envelope renders the caller-facing result shape:
// {success, message?, error?, data?, hint?}. Busy results always carry
// hint "retry" with data.reason and data.retry_after_ms so automated
// callers can decide to retry without parsing prose.
func (r Result) Envelope() map[string]any {
	switch r.tag {
	case tagOK:
		return map[string]any{"success": true, "data": r.payload}
	case tagBusy:
		msg := r.message
		if msg == "" {
			msg = fmt.Sprintf("Unity is %s; please retry", r.reason)
		}
		return map[string]any{
			"success": false,
			"error":   msg,
			"hint":    "retry",
			"data": map[string]any{
				"reason":         string(r.reason),
				"retry_after_ms": r.retryAfter.Milliseconds(),
			},
		}
	default:
		return map[string]any{
			"success": false,
			"error":   r.message,
			"data":    map[string]any{"kind": string(r.errKind)},
		}
	}
}

// DecodeWire parses one editor reply payload, either
// {"status":"success","result":{...}} or {"status":"error","error":...},
// and folds reload signals into a Busy result. A payload that is not valid
// JSON is a protocol violation.
func DecodeWire(payload []byte) (Result, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Result{}, fmt.Errorf("response: malformed reply: %w", err)
	}
	return FromWire(raw), nil
}

// FromWire converts an already-decoded editor reply into a Result. It also
// accepts the envelope shape ({"success": ...}) used on the WebSocket path,
// where the plugin relays the editor reply verbatim.
func FromWire(raw map[string]any) Result {
	if reason, ok := busyReason(raw); ok {
		return Busy(reason, RetryAfterHint(raw, 0), messageOf(raw))
	}

	if status, ok := raw["status"].(string); ok {
		if status == "error" {
			return Err(KindUnity, messageOf(raw))
		}
		result, _ := raw["result"].(map[string]any)
		if reason, ok := busyReason(result); ok {
			return Busy(reason, RetryAfterHint(result, 0), messageOf(result))
		}
		return Ok(result)
	}

	if success, ok := raw["success"].(bool); ok {
		if !success {
			return Err(KindUnity, messageOf(raw))
		}
		data, _ := raw["data"].(map[string]any)
		return Ok(data)
	}

	// No recognised envelope: treat the whole object as the payload.
	return Ok(raw)
}

// RetryAfterHint extracts the peer-suggested retry_after_ms from a response
// object (top level or nested under "data"), falling back to def.
func RetryAfterHint(raw map[string]any, def time.Duration) time.Duration {
	if raw == nil {
		return def
	}
	if ms, ok := numberField(raw, "retry_after_ms"); ok {
		return time.Duration(ms) * time.Millisecond
	}
	if data, ok := raw["data"].(map[string]any); ok {
		if ms, ok := numberField(data, "retry_after_ms"); ok {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// busyReason inspects a response object for the transient-state markers the
// editor emits: an explicit reason field, state=="reloading", or a message
// mentioning a reload.
func busyReason(raw map[string]any) (BusyReason, bool) {
	if raw == nil {
		return "", false
	}
	if state, ok := raw["state"].(string); ok && state == string(ReasonReloading) {
		return ReasonReloading, true
	}
	for _, container := range []map[string]any{raw, dataOf(raw)} {
		if container == nil {
			continue
		}
		if reason, ok := container["reason"].(string); ok {
			switch BusyReason(strings.ToLower(reason)) {
			case ReasonReloading, ReasonTestsRunning, ReasonNoSession, ReasonBusy:
				return BusyReason(strings.ToLower(reason)), true
			}
		}
	}
	if strings.Contains(strings.ToLower(messageOf(raw)), "reload") {
		return ReasonReloading, true
	}
	return "", false
}

func dataOf(raw map[string]any) map[string]any {
	data, _ := raw["data"].(map[string]any)
	return data
}

func messageOf(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	for _, key := range []string{"error", "message"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
