package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// opencodeEvent is one line of `opencode run --format json` output. Every
// line carries the sessionID; the interesting content lives in Part.
type opencodeEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID,omitempty"`
	Part      json.RawMessage `json:"part,omitempty"`
	Error     *opencodeError  `json:"error,omitempty"`
}

type opencodeError struct {
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type opencodePart struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type,omitempty"`
	Text   string         `json:"text,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	CallID string         `json:"callID,omitempty"`
	State  *opencodeState `json:"state,omitempty"`
}

type opencodeState struct {
	Status string          `json:"status,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
}

// ClassifyOpencode maps one opencode JSON line to records.
func ClassifyOpencode(line []byte) []Record {
	var ev opencodeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []Record{errorRecord("malformed opencode record: "+err.Error(), line)}
	}

	switch ev.Type {
	case "session.created", "step.started", "step.finished", "session.idle":
		return nil

	case "session.error", "error":
		msg := "opencode error"
		if ev.Error != nil && ev.Error.Name != "" {
			msg = ev.Error.Name
		}
		return []Record{errorRecord(msg, ev.Part)}

	case "message.part.updated", "part":
		return classifyOpencodePart(ev.Part, line)

	default:
		return []Record{errorRecord(fmt.Sprintf("unrecognized opencode record tag %q", ev.Type), line)}
	}
}

func classifyOpencodePart(raw json.RawMessage, line []byte) []Record {
	if len(raw) == 0 {
		return nil
	}
	var part opencodePart
	if err := json.Unmarshal(raw, &part); err != nil {
		return []Record{errorRecord("malformed opencode part: "+err.Error(), line)}
	}

	switch part.Type {
	case "text":
		if strings.TrimSpace(part.Text) == "" {
			return nil
		}
		return []Record{textRecord(part.Text)}

	case "reasoning":
		if strings.TrimSpace(part.Text) == "" {
			return nil
		}
		return []Record{thinkingRecord(part.Text)}

	case "tool":
		if part.State == nil {
			return nil
		}
		switch part.State.Status {
		case "running":
			return []Record{toolUseRecord(part.CallID, part.Tool, part.State.Input)}
		case "completed":
			return []Record{toolResultRecord(part.CallID, part.State.Output, false)}
		case "error":
			return []Record{toolResultRecord(part.CallID, part.State.Output, true)}
		}
		return nil

	case "step-start", "step-finish", "snapshot", "patch":
		return nil

	default:
		return []Record{errorRecord(fmt.Sprintf("unrecognized opencode part type %q", part.Type), line)}
	}
}
