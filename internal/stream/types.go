package stream

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/internal/event"
)

// Record is one classified unit of output, ready for the journal to stamp
// with a sequence number. Payload is the marshaled kind-specific payload.
type Record struct {
	Kind    event.Kind
	Payload json.RawMessage
}

func textRecord(text string) Record {
	return Record{Kind: event.KindText, Payload: mustMarshal(event.TextPayload{Text: text})}
}

func thinkingRecord(text string) Record {
	return Record{Kind: event.KindThinking, Payload: mustMarshal(event.ThinkingPayload{Text: text})}
}

func toolUseRecord(id, name string, input json.RawMessage) Record {
	return Record{Kind: event.KindToolUse, Payload: mustMarshal(event.ToolUsePayload{ID: id, Name: name, Input: input})}
}

func toolResultRecord(toolUseID, content string, isError bool) Record {
	return Record{Kind: event.KindToolResult, Payload: mustMarshal(event.ToolResultPayload{
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	})}
}

func errorRecord(message string, fragment []byte) Record {
	return Record{Kind: event.KindError, Payload: mustMarshal(event.ErrorPayload{
		Message:  message,
		Fragment: string(fragment),
	})}
}

// ExitRecord is the synthetic terminal record appended when a session's
// output stream ends. It is the only record produced outside a classifier.
func ExitRecord(code int) Record {
	return Record{Kind: event.KindExit, Payload: mustMarshal(event.ExitPayload{Code: code})}
}

// mustMarshal marshals payload structs whose shapes cannot fail to encode.
func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
