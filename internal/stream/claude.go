package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// claudeEvent is the top-level structure of one claude stream-json line
// (--print --output-format stream-json --verbose).
type claudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system/init events.
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant and user events: the full message payload.
	Message *claudeMessage `json:"message,omitempty"`

	// For result events.
	IsError    bool   `json:"is_error,omitempty"`
	ResultText string `json:"result,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role,omitempty"`
	Content []claudeContentBlock `json:"content,omitempty"`
}

type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// tool_result blocks inside user messages.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ClassifyClaude maps one claude stream-json line to records. The mapping is
// total over the tags the CLI emits in print mode (system, assistant, user,
// result); any other tag becomes an error record carrying the raw line.
func ClassifyClaude(line []byte) []Record {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []Record{errorRecord("malformed claude record: "+err.Error(), line)}
	}

	switch ev.Type {
	case "system":
		return []Record{textRecord(claudeSystemText(ev))}

	case "assistant":
		if ev.Message == nil {
			return []Record{errorRecord("assistant record without message", line)}
		}
		var recs []Record
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) != "" {
					recs = append(recs, textRecord(block.Text))
				}
			case "thinking":
				if strings.TrimSpace(block.Thinking) != "" {
					recs = append(recs, thinkingRecord(block.Thinking))
				}
			case "tool_use":
				recs = append(recs, toolUseRecord(block.ID, block.Name, block.Input))
			}
		}
		return recs

	case "user":
		if ev.Message == nil {
			return nil
		}
		var recs []Record
		for _, block := range ev.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			recs = append(recs, toolResultRecord(block.ToolUseID, flattenToolContent(block.Content), block.IsError))
		}
		return recs

	case "result":
		if ev.IsError {
			return []Record{errorRecord(ev.ResultText, nil)}
		}
		if strings.TrimSpace(ev.ResultText) == "" {
			return nil
		}
		return []Record{textRecord(ev.ResultText)}

	default:
		return []Record{errorRecord(fmt.Sprintf("unrecognized claude record tag %q", ev.Type), line)}
	}
}

func claudeSystemText(ev claudeEvent) string {
	if ev.Subtype == "init" {
		if ev.Model != "" {
			return fmt.Sprintf("session started (model %s)", ev.Model)
		}
		return "session started"
	}
	if ev.Subtype != "" {
		return "system: " + ev.Subtype
	}
	return "system"
}

// flattenToolContent renders a tool_result content field, which the CLI
// emits either as a plain string or as an array of content blocks.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return string(raw)
}
