// Package protocol defines the line-delimited JSON control protocol spoken
// over the daemon's unix socket. Every frame is one JSON object terminated by
// LF, with a required type field routing it to a handler.
package protocol

import "encoding/json"

// Event frame types. Fire-and-forget: the server acknowledges once with
// {status:"ok", received:<type>} and keeps reading the connection.
const (
	TypeSessionStart    = "session_start"
	TypeSessionEnd      = "session_end"
	TypeCheckpoint      = "checkpoint"
	TypeStepStarted     = "step_started"
	TypeStepCompleted   = "step_completed"
	TypeStepBlocked     = "step_blocked"
	TypeTaskStarted     = "task_started"
	TypeTaskCompleted   = "task_completed"
	TypeAttentionNeeded = "attention_needed"
	TypeQuestion        = "question"
	TypeStatusRequest   = "status_request"
	TypeToolUse         = "tool_use"
)

// Dispatch frame types. Request/response: the server writes exactly one JSON
// response line and closes the connection.
const (
	TypeDispatch         = "dispatch"
	TypeRoute            = "route"
	TypeListWorkers      = "list_workers"
	TypeCreateWorker     = "create_worker"
	TypeDiscoverProjects = "discover_projects"
	TypeRecentEvents     = "recent_events"
)

// IsEvent reports whether typ names a fire-and-forget event frame.
func IsEvent(typ string) bool {
	switch typ {
	case TypeSessionStart, TypeSessionEnd, TypeCheckpoint,
		TypeStepStarted, TypeStepCompleted, TypeStepBlocked,
		TypeTaskStarted, TypeTaskCompleted,
		TypeAttentionNeeded, TypeQuestion, TypeStatusRequest, TypeToolUse:
		return true
	}
	return false
}

// IsCommand reports whether typ names a request/response dispatch frame.
func IsCommand(typ string) bool {
	switch typ {
	case TypeDispatch, TypeRoute, TypeListWorkers, TypeCreateWorker,
		TypeDiscoverProjects, TypeRecentEvents:
		return true
	}
	return false
}

// Frame is the envelope every control-socket message shares.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Context   string          `json:"context,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DispatchPayload targets a known session directly.
type DispatchPayload struct {
	TargetSessionID   string `json:"targetSessionId"`
	Message           string `json:"message"`
	ConfirmBeforeSend bool   `json:"confirmBeforeSend,omitempty"`
}

// RoutePayload asks the dispatcher to fuzzy-match or auto-create.
type RoutePayload struct {
	Query             string `json:"query"`
	Message           string `json:"message"`
	ConfirmBeforeSend bool   `json:"confirmBeforeSend,omitempty"`
}

// CreateWorkerPayload creates a worker session for a repo.
type CreateWorkerPayload struct {
	Repo        string `json:"repo"`
	RepoPath    string `json:"repoPath"`
	TaskID      string `json:"taskId,omitempty"`
	ClaudeFlags string `json:"claudeFlags,omitempty"`
}

// DiscoverPayload optionally overrides the scan root.
type DiscoverPayload struct {
	Path string `json:"path,omitempty"`
}

// RecentEventsPayload bounds the journal read.
type RecentEventsPayload struct {
	Limit int `json:"limit,omitempty"`
}

// Worker describes one session in a list_workers response.
type Worker struct {
	ID           string `json:"id"`
	Repo         string `json:"repo"`
	Path         string `json:"path"`
	Kind         string `json:"kind"`
	TaskID       string `json:"taskId,omitempty"`
	External     bool   `json:"external,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
}

// JournalEntry is one checkpoint-journal row in a recent_events response.
type JournalEntry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Type      string `json:"type"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Response is the single reply line for any frame. Status is "ok" or "error";
// everything else is populated per command.
type Response struct {
	Status            string         `json:"status"`
	Message           string         `json:"message,omitempty"`
	Received          string         `json:"received,omitempty"`
	TargetSessionID   string         `json:"targetSessionId,omitempty"`
	SessionID         string         `json:"sessionId,omitempty"`
	SessionRepo       string         `json:"sessionRepo,omitempty"`
	Found             *bool          `json:"found,omitempty"`
	Ambiguous         bool           `json:"ambiguous,omitempty"`
	ConfirmBeforeSend bool           `json:"confirmBeforeSend,omitempty"`
	Created           bool           `json:"created,omitempty"`
	Suggestions       []string       `json:"suggestions,omitempty"`
	Workers           []Worker       `json:"workers,omitempty"`
	ProjectsAdded     []string       `json:"projectsAdded,omitempty"`
	Events            []JournalEntry `json:"events,omitempty"`
}

// Ok builds a bare success response.
func Ok() Response { return Response{Status: "ok"} }

// Errorf builds an error response with a human-readable message.
func Errorf(msg string) Response { return Response{Status: "error", Message: msg} }

// Bool returns a pointer for the Found field.
func Bool(v bool) *bool { return &v }
