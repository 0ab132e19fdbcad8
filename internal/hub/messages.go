// Package hub accepts WebSocket sessions from Unity bridge plugins and
// correlates command dispatch with asynchronous results. Each editor
// connects outward to the hub, registers its project identity and then
// executes commands pushed to it.
package hub

import "encoding/json"

// Message types exchanged with the plugin.
const (
	msgWelcome       = "welcome"
	msgRegister      = "register"
	msgRegistered    = "registered"
	msgRegisterTools = "register_tools"
	msgPong          = "pong"
	msgExecute       = "execute_command"
	msgResult        = "command_result"
)

// Message is the single wire shape for both directions; Type selects which
// fields are meaningful.
type Message struct {
	Type string `json:"type"`

	// welcome
	ServerTimeout     int `json:"serverTimeout,omitempty"`     // seconds
	KeepAliveInterval int `json:"keepAliveInterval,omitempty"` // seconds

	// register / registered
	ProjectName  string `json:"projectName,omitempty"`
	ProjectHash  string `json:"projectHash,omitempty"`
	UnityVersion string `json:"unityVersion,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`

	// register_tools
	Tools []ToolSpec `json:"tools,omitempty"`

	// execute_command
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout int             `json:"timeout,omitempty"` // seconds

	// command_result
	Result json.RawMessage `json:"result,omitempty"`
}

// ToolSpec describes one tool a plugin advertises after registering.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
