// Package event defines the structured event records produced by agent
// sessions. Events are the unit of persistence and live distribution: the
// output parser emits them, the journal assigns sequence numbers and stores
// them, and the hub fans them out to viewers.
package event

import (
	"encoding/json"
	"time"
)

// Kind classifies a session event.
type Kind string

const (
	KindText       Kind = "text"        // assistant-visible text output
	KindToolUse    Kind = "tool_use"    // agent invoked a tool
	KindToolResult Kind = "tool_result" // tool invocation produced a result
	KindThinking   Kind = "thinking"    // reasoning/thinking output
	KindError      Kind = "error"       // malformed output or agent-reported error
	KindExit       Kind = "exit"        // terminal event, carries the process exit code
)

// Event is one committed unit of session output. Seq starts at 1 and is
// strictly increasing per session with no gaps; once committed an event is
// never mutated or reordered.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TextPayload is the payload for KindText.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload is the payload for KindToolUse.
type ToolUsePayload struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the payload for KindToolResult.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ThinkingPayload is the payload for KindThinking.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ErrorPayload is the payload for KindError. Fragment carries the raw bytes
// that failed to parse so nothing is silently dropped from the stream.
type ErrorPayload struct {
	Message  string `json:"message"`
	Fragment string `json:"fragment,omitempty"`
}

// ExitPayload is the payload for KindExit.
type ExitPayload struct {
	Code int `json:"code"`
}
