package stream

import (
	"encoding/json"
	"testing"

	"github.com/agentdeck/agentdeck/internal/event"
)

func TestClassifyOpencodeTextPart(t *testing.T) {
	rec := classifyOne(t, ClassifyOpencode,
		`{"type":"message.part.updated","sessionID":"s1","part":{"id":"p1","type":"text","text":"done"}}`)
	if rec.Kind != event.KindText {
		t.Fatalf("kind = %q, want %q", rec.Kind, event.KindText)
	}
}

func TestClassifyOpencodeToolStates(t *testing.T) {
	running := classifyOne(t, ClassifyOpencode,
		`{"type":"message.part.updated","part":{"type":"tool","tool":"bash","callID":"c1","state":{"status":"running","input":{"command":"ls"}}}}`)
	if running.Kind != event.KindToolUse {
		t.Fatalf("running kind = %q, want %q", running.Kind, event.KindToolUse)
	}

	completed := classifyOne(t, ClassifyOpencode,
		`{"type":"message.part.updated","part":{"type":"tool","tool":"bash","callID":"c1","state":{"status":"completed","output":"file.txt"}}}`)
	if completed.Kind != event.KindToolResult {
		t.Fatalf("completed kind = %q, want %q", completed.Kind, event.KindToolResult)
	}
	var tr event.ToolResultPayload
	if err := json.Unmarshal(completed.Payload, &tr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tr.IsError || tr.Content != "file.txt" {
		t.Errorf("tool_result = %+v", tr)
	}

	failed := classifyOne(t, ClassifyOpencode,
		`{"type":"message.part.updated","part":{"type":"tool","tool":"bash","callID":"c2","state":{"status":"error","output":"denied"}}}`)
	var trErr event.ToolResultPayload
	if err := json.Unmarshal(failed.Payload, &trErr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !trErr.IsError {
		t.Errorf("error state not marked as error")
	}
}

func TestClassifyOpencodeLifecycleLinesAreSilent(t *testing.T) {
	for _, line := range []string{
		`{"type":"session.created","sessionID":"s1"}`,
		`{"type":"step.started","sessionID":"s1"}`,
		`{"type":"session.idle","sessionID":"s1"}`,
		`{"type":"message.part.updated","part":{"type":"step-start"}}`,
	} {
		if recs := ClassifyOpencode([]byte(line)); len(recs) != 0 {
			t.Errorf("classify(%s) = %d records, want 0", line, len(recs))
		}
	}
}
