package relay

// Outbound message types.
const (
	TypeHeartbeat     = "heartbeat"
	TypeStatus        = "status"
	TypeCommandResult = "command_result"
	TypeStream        = "stream"
)

// Inbound message types.
const (
	TypeRegistered = "registered"
	TypeCommand    = "command"
	TypeError      = "error"
)

// Envelope carries just enough to route an inbound message.
type Envelope struct {
	Type string `json:"type"`
}

type Heartbeat struct {
	Type string `json:"type"`
}

// SessionStatus is one session in a status broadcast.
type SessionStatus struct {
	ID           string `json:"id"`
	Repo         string `json:"repo"`
	Task         string `json:"task,omitempty"`
	Status       string `json:"status"`
	LastActivity string `json:"lastActivity,omitempty"`
}

type StatusMsg struct {
	Type     string          `json:"type"`
	Sessions []SessionStatus `json:"sessions"`
}

// CommandResult reports how a relayed command ended up.
type CommandResult struct {
	Status      string `json:"status"`
	SessionID   string `json:"sessionId,omitempty"`
	SessionRepo string `json:"sessionRepo,omitempty"`
	Message     string `json:"message,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type CommandResultMsg struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	Result    CommandResult `json:"result"`
}

// StreamMsg forwards one PTY activity event to remote viewers.
type StreamMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Event     string `json:"event"`
	Data      string `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type RegisteredMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// CommandMsg is a remote command to route through the dispatcher.
type CommandMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	Source    string `json:"source,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
