package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/hub"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
)

func newTestServer(t *testing.T, opts Options) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := orchestrator.New(store, hub.New(store, log, 0), log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return New(orch, log, opts), orch
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func startTestSession(t *testing.T, srv *Server, script string) journal.SessionRecord {
	t.Helper()
	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", startSessionRequest{
		ProjectID: "p1",
		Agent:     "generic",
		WorkDir:   t.TempDir(),
		Command:   script,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /api/sessions = %d, body %s", w.Code, w.Body.String())
	}
	var rec journal.SessionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal session record: %v", err)
	}
	return rec
}

func waitSessionDone(t *testing.T, orch *orchestrator.Orchestrator, id string) {
	t.Helper()
	s, ok := orch.Get(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}
	select {
	case <-s.Done():
	case <-time.After(15 * time.Second):
		t.Fatalf("session never finished")
	}
}

func TestStartSessionAndReadEvents(t *testing.T) {
	srv, orch := newTestServer(t, Options{})
	script := writeScript(t, "echo ready\nexit 0\n")

	rec := startTestSession(t, srv, script)
	if rec.ID == "" {
		t.Fatalf("created session has no id")
	}
	waitSessionDone(t, orch, rec.ID)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/"+rec.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET events = %d, body %s", w.Code, w.Body.String())
	}
	var evs []event.Event
	if err := json.Unmarshal(w.Body.Bytes(), &evs); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evs) == 0 {
		t.Fatalf("no events returned")
	}
	if last := evs[len(evs)-1]; last.Kind != event.KindExit {
		t.Errorf("last event kind = %q, want %q", last.Kind, event.KindExit)
	}
}

func TestReadEventsAfterCursor(t *testing.T) {
	srv, orch := newTestServer(t, Options{})
	script := writeScript(t, "echo a\necho b\nexit 0\n")

	rec := startTestSession(t, srv, script)
	waitSessionDone(t, orch, rec.ID)

	all := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/"+rec.ID+"/events", nil)
	var evs []event.Event
	if err := json.Unmarshal(all.Body.Bytes(), &evs); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}

	after := evs[0].Seq
	w := doJSON(t, srv.Handler(), http.MethodGet,
		fmt.Sprintf("/api/sessions/%s/events?after=%d", rec.ID, after), nil)
	var rest []event.Event
	if err := json.Unmarshal(w.Body.Bytes(), &rest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(rest) != len(evs)-1 {
		t.Fatalf("after=%d returned %d events, want %d", after, len(rest), len(evs)-1)
	}
	if rest[0].Seq != after+1 {
		t.Errorf("first event seq = %d, want %d", rest[0].Seq, after+1)
	}
}

func TestGetSessionAndList(t *testing.T) {
	srv, orch := newTestServer(t, Options{})
	script := writeScript(t, "exit 0\n")
	rec := startTestSession(t, srv, script)
	waitSessionDone(t, orch, rec.ID)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET session = %d", w.Code)
	}
	var got journal.SessionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != journal.StatusExited {
		t.Errorf("status = %q, want %q", got.Status, journal.StatusExited)
	}

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET sessions = %d", w.Code)
	}
	var list []journal.SessionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Errorf("list = %v, want the one created session", list)
	}
}

func TestGetUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET unknown session = %d, want 404", w.Code)
	}
}

func TestStartSessionValidation(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", startSessionRequest{
		Agent: "unsupported", WorkDir: "/tmp",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad agent = %d, want 400", w.Code)
	}

	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", startSessionRequest{
		Agent: "generic",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing work_dir = %d, want 400", w.Code)
	}
}

func TestStartSessionOutsideProjectsRoot(t *testing.T) {
	root := t.TempDir()
	srv, _ := newTestServer(t, Options{ProjectsRoot: root})

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", startSessionRequest{
		Agent: "generic", WorkDir: "/etc", Command: "/bin/true",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("work_dir outside root = %d, want 403", w.Code)
	}

	inside := filepath.Join(root, "proj")
	if err := os.Mkdir(inside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := writeScript(t, "exit 0\n")
	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", startSessionRequest{
		Agent: "generic", WorkDir: inside, Command: script,
	})
	if w.Code != http.StatusCreated {
		t.Errorf("work_dir inside root = %d, want 201, body %s", w.Code, w.Body.String())
	}
}

func TestStopAndInputEndpoints(t *testing.T) {
	srv, orch := newTestServer(t, Options{})
	script := writeScript(t, "read line\necho \"$line\"\nsleep 60\n")
	rec := startTestSession(t, srv, script)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+rec.ID+"/input",
		inputRequest{Data: "hi\n"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("POST input = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+rec.ID+"/stop", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("POST stop = %d, body %s", w.Code, w.Body.String())
	}
	waitSessionDone(t, orch, rec.ID)

	// Input to a stopped session conflicts.
	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+rec.ID+"/input",
		inputRequest{Data: "late\n"})
	if w.Code != http.StatusConflict {
		t.Errorf("POST input after stop = %d, want 409", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, orch := newTestServer(t, Options{})
	script := writeScript(t, "exit 0\n")
	rec := startTestSession(t, srv, script)
	waitSessionDone(t, orch, rec.ID)

	w := doJSON(t, srv.Handler(), http.MethodDelete, "/api/sessions/"+rec.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE session = %d, body %s", w.Code, w.Body.String())
	}
	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/"+rec.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET deleted session = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, Options{AuthToken: "secret"})

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions?token=secret", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("query token = %d, want 200", rec.Code)
	}
}
