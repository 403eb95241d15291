package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// codexEvent is one line of `codex exec --json` output.
type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
}

type codexError struct {
	Message string `json:"message"`
}

type codexItem struct {
	ID               string          `json:"id,omitempty"`
	Type             string          `json:"type,omitempty"`
	Text             string          `json:"text,omitempty"`
	Command          string          `json:"command,omitempty"`
	AggregatedOutput string          `json:"aggregated_output,omitempty"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	Server           string          `json:"server,omitempty"`
	Tool             string          `json:"tool,omitempty"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *codexError     `json:"error,omitempty"`
}

// ClassifyCodex maps one codex JSONL line to records.
func ClassifyCodex(line []byte) []Record {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []Record{errorRecord("malformed codex record: "+err.Error(), line)}
	}

	switch ev.Type {
	case "thread.started":
		return []Record{textRecord("session started (thread " + ev.ThreadID + ")")}

	case "turn.started", "turn.completed":
		// Turn boundaries carry usage accounting only; nothing to surface.
		return nil

	case "turn.failed", "error":
		msg := "codex turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []Record{errorRecord(msg, nil)}

	case "item.started", "item.updated", "item.completed":
		return classifyCodexItem(ev, line)

	default:
		return []Record{errorRecord(fmt.Sprintf("unrecognized codex record tag %q", ev.Type), line)}
	}
}

func classifyCodexItem(ev codexEvent, line []byte) []Record {
	item := ev.Item
	if item == nil {
		return []Record{errorRecord("codex item record without item", line)}
	}

	// Only completed items carry final content; started/updated are progress.
	if ev.Type != "item.completed" {
		if ev.Type == "item.started" && item.Type == "command_execution" {
			input, _ := json.Marshal(map[string]string{"command": item.Command})
			return []Record{toolUseRecord(item.ID, "shell", input)}
		}
		return nil
	}

	switch item.Type {
	case "agent_message":
		if strings.TrimSpace(item.Text) == "" {
			return nil
		}
		return []Record{textRecord(item.Text)}

	case "reasoning":
		if strings.TrimSpace(item.Text) == "" {
			return nil
		}
		return []Record{thinkingRecord(item.Text)}

	case "command_execution":
		isErr := item.ExitCode != nil && *item.ExitCode != 0
		return []Record{toolResultRecord(item.ID, item.AggregatedOutput, isErr)}

	case "mcp_tool_call":
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		recs := []Record{toolUseRecord(item.ID, name, item.Arguments)}
		if len(item.Result) > 0 || item.Error != nil {
			content := string(item.Result)
			isErr := false
			if item.Error != nil {
				content = item.Error.Message
				isErr = true
			}
			recs = append(recs, toolResultRecord(item.ID, content, isErr))
		}
		return recs

	case "file_change", "web_search", "todo_list":
		// Progress items without a stable text body; surface as tool use.
		return []Record{toolUseRecord(item.ID, item.Type, nil)}

	default:
		return []Record{errorRecord(fmt.Sprintf("unrecognized codex item type %q", item.Type), line)}
	}
}
