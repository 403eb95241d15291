package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// geminiEvent is one line of the Gemini CLI's stream-json NDJSON output.
//
// Event types and their fields (from the Gemini CLI source):
//   - init:        session_id, model
//   - message:     role ("user"|"assistant"), content, delta (bool)
//   - tool_use:    tool_name, tool_id, parameters
//   - tool_result: tool_id, status ("success"|"error"), output, error
//   - error:       severity ("warning"|"error"), message
//   - result:      status ("success"|"error"), error, stats
type geminiEvent struct {
	Type       string           `json:"type"`
	SessionID  string           `json:"session_id,omitempty"`
	Model      string           `json:"model,omitempty"`
	Role       string           `json:"role,omitempty"`
	Content    string           `json:"content,omitempty"`
	Delta      bool             `json:"delta,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolID     string           `json:"tool_id,omitempty"`
	Parameters json.RawMessage  `json:"parameters,omitempty"`
	Status     string           `json:"status,omitempty"`
	Output     string           `json:"output,omitempty"`
	Message    string           `json:"message,omitempty"`
	Severity   string           `json:"severity,omitempty"`
	Error      *geminiErrorInfo `json:"error,omitempty"`
}

type geminiErrorInfo struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClassifyGemini maps one gemini stream-json line to records.
func ClassifyGemini(line []byte) []Record {
	var ev geminiEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []Record{errorRecord("malformed gemini record: "+err.Error(), line)}
	}

	switch ev.Type {
	case "init":
		if ev.Model != "" {
			return []Record{textRecord("session started (model " + ev.Model + ")")}
		}
		return []Record{textRecord("session started")}

	case "message":
		// Deltas re-stream text that arrives again in the full message.
		if ev.Delta || strings.TrimSpace(ev.Content) == "" {
			return nil
		}
		return []Record{textRecord(ev.Content)}

	case "tool_use":
		return []Record{toolUseRecord(ev.ToolID, ev.ToolName, ev.Parameters)}

	case "tool_result":
		content := ev.Output
		isErr := ev.Status == "error"
		if isErr && ev.Error != nil && ev.Error.Message != "" {
			content = ev.Error.Message
		}
		return []Record{toolResultRecord(ev.ToolID, content, isErr)}

	case "error":
		return []Record{errorRecord(ev.Message, nil)}

	case "result":
		if ev.Status == "error" {
			msg := "gemini run failed"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			return []Record{errorRecord(msg, nil)}
		}
		return nil

	default:
		return []Record{errorRecord(fmt.Sprintf("unrecognized gemini record tag %q", ev.Type), line)}
	}
}
