package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicInstancesDiscovered Topic = "instances.discovered"
	TopicInstancesLost       Topic = "instances.lost"
	TopicSessionsConnected   Topic = "sessions.connected"
	TopicSessionsDisconnect  Topic = "sessions.disconnected"
	TopicCommandsDispatched  Topic = "commands.dispatched"
	TopicCommandsRetried     Topic = "commands.retried"
	TopicCommandsBusy        Topic = "commands.busy"
)

// Source describes which component produced an event.
type Source string

const (
	SourceDiscovery  Source = "discovery"
	SourcePool       Source = "pool"
	SourceHub        Source = "hub"
	SourceDispatcher Source = "dispatcher"
	SourceUnknown    Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// InstanceEvent reports a Unity instance appearing in or vanishing from the
// discovery scan.
type InstanceEvent struct {
	InstanceID string
	Name       string
	Hash       string
	Port       int
	Status     string
}

// SessionEvent reports a plugin WebSocket session lifecycle change.
type SessionEvent struct {
	SessionID   string
	ProjectName string
	ProjectHash string
}

// CommandEvent reports a dispatched command and its outcome.
type CommandEvent struct {
	Command    string
	InstanceID string
	Outcome    string // "ok", "busy", "error"
	Attempts   int
}

// Typed topic descriptors used throughout the bridge.
var (
	InstancesDiscovered = NewTopicDef[InstanceEvent](TopicInstancesDiscovered)
	InstancesLost       = NewTopicDef[InstanceEvent](TopicInstancesLost)
	SessionsConnected   = NewTopicDef[SessionEvent](TopicSessionsConnected)
	SessionsDisconnect  = NewTopicDef[SessionEvent](TopicSessionsDisconnect)
	CommandsDispatched  = NewTopicDef[CommandEvent](TopicCommandsDispatched)
	CommandsRetried     = NewTopicDef[CommandEvent](TopicCommandsRetried)
	CommandsBusy        = NewTopicDef[CommandEvent](TopicCommandsBusy)
)
