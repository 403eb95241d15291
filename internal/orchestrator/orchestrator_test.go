package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/hub"
	"github.com/agentdeck/agentdeck/internal/journal"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, hub.New(store, log, 0), log)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(15 * time.Second):
		t.Fatalf("session pipeline never finished")
	}
}

func readAll(t *testing.T, o *Orchestrator, id string) []event.Event {
	t.Helper()
	evs, err := o.Store().ReadRange(context.Background(), id, 0, 10000)
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	return evs
}

func TestSessionRunsToCleanExit(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "echo one\necho two\nexit 0\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	if got := s.Status(); got != journal.StatusExited {
		t.Errorf("Status() = %q, want %q", got, journal.StatusExited)
	}

	evs := readAll(t, o, s.ID())
	if len(evs) < 3 {
		t.Fatalf("journal holds %d events, want at least text, text, exit", len(evs))
	}
	for i, ev := range evs {
		if want := uint64(i + 1); ev.Seq != want {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, want)
		}
	}
	last := evs[len(evs)-1]
	if last.Kind != event.KindExit {
		t.Fatalf("last event kind = %q, want %q", last.Kind, event.KindExit)
	}
	var exit event.ExitPayload
	if err := json.Unmarshal(last.Payload, &exit); err != nil {
		t.Fatalf("unmarshal exit payload: %v", err)
	}
	if exit.Code != 0 {
		t.Errorf("exit code = %d, want 0", exit.Code)
	}

	// The persisted row agrees with the live handle.
	rec, err := o.Store().GetSession(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.Status != journal.StatusExited {
		t.Errorf("persisted status = %q, want %q", rec.Status, journal.StatusExited)
	}
	if rec.LastSeq != last.Seq {
		t.Errorf("persisted last_seq = %d, want %d", rec.LastSeq, last.Seq)
	}
}

func TestNonzeroExitBecomesFailed(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "exit 7\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	if got := s.Status(); got != journal.StatusFailed {
		t.Errorf("Status() = %q, want %q", got, journal.StatusFailed)
	}
	evs := readAll(t, o, s.ID())
	last := evs[len(evs)-1]
	var exit event.ExitPayload
	if err := json.Unmarshal(last.Payload, &exit); err != nil {
		t.Fatalf("unmarshal exit payload: %v", err)
	}
	if exit.Code != 7 {
		t.Errorf("exit code = %d, want 7", exit.Code)
	}
}

func TestSendInputReachesAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "read line\necho \"echo: $line\"\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.SendInput(s.ID(), []byte("hello\n")); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	waitDone(t, s)

	var found bool
	for _, ev := range readAll(t, o, s.ID()) {
		if ev.Kind != event.KindText {
			continue
		}
		var p event.TextPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if strings.Contains(p.Text, "echo: hello") {
			found = true
		}
	}
	if !found {
		t.Errorf("no text event carrying the echoed input")
	}
}

func TestConcurrentStopsProduceOneTransition(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "sleep 60\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = o.Stop(s.ID())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Stop() call %d error = %v", i, err)
		}
	}
	waitDone(t, s)

	if got := s.Status(); got != journal.StatusStopped {
		t.Errorf("Status() = %q, want %q", got, journal.StatusStopped)
	}
	rec, err := o.Store().GetSession(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.Status != journal.StatusStopped {
		t.Errorf("persisted status = %q, want %q", rec.Status, journal.StatusStopped)
	}
}

func TestStopAfterExitIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "exit 0\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	if err := o.Stop(s.ID()); err != nil {
		t.Errorf("Stop() after exit error = %v, want nil", err)
	}
	if got := s.Status(); got != journal.StatusExited {
		t.Errorf("Status() = %q, want exit status to stand", got)
	}
}

func TestSpawnFailurePersistsFailedSession(t *testing.T) {
	o := newTestOrchestrator(t)

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: "no-such-binary-here",
		ID: "spawn-fail",
	})
	if err == nil {
		t.Fatalf("Start() error = nil, want spawn failure")
	}
	if s != nil {
		t.Fatalf("Start() returned a session despite the failure")
	}

	rec, err := o.Store().GetSession(context.Background(), "spawn-fail")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.Status != journal.StatusFailed {
		t.Errorf("persisted status = %q, want %q", rec.Status, journal.StatusFailed)
	}
}

func TestSendInputAfterExit(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "exit 0\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)

	if err := o.SendInput(s.ID(), []byte("late\n")); err != ErrNotRunning {
		t.Errorf("SendInput() after exit error = %v, want ErrNotRunning", err)
	}
}

func TestSubscribeToEndedSessionReplaysHistory(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "echo alpha\nexit 0\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, s)
	want := readAll(t, o, s.ID())

	sub, err := o.Subscribe(context.Background(), s.ID(), 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer o.Unsubscribe(sub)

	for i := range want {
		select {
		case ev := <-sub.Events():
			if ev.Seq != want[i].Seq || ev.Kind != want[i].Kind {
				t.Errorf("replayed event %d = seq %d kind %q, want seq %d kind %q",
					i, ev.Seq, ev.Kind, want[i].Seq, want[i].Kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out replaying event %d", i)
		}
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected extra event seq %d", ev.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoveRequiresTerminalSession(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "sleep 60\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Remove(s.ID()); err == nil {
		t.Errorf("Remove(running) error = nil, want in-use error")
	}

	if err := o.Stop(s.ID()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitDone(t, s)
	if err := o.Remove(s.ID()); err != nil {
		t.Errorf("Remove(stopped) error = %v", err)
	}
	if _, ok := o.Get(s.ID()); ok {
		t.Errorf("Get() still finds the removed session")
	}
}

func TestShutdownStopsLiveSessions(t *testing.T) {
	o := newTestOrchestrator(t)
	script := writeScript(t, "sleep 60\n")

	s, err := o.Start(context.Background(), StartSpec{
		ProjectID: "p1", Agent: agent.KindGeneric, Command: script,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	waitDone(t, s)
	if got := s.Status(); got != journal.StatusStopped {
		t.Errorf("Status() after shutdown = %q, want %q", got, journal.StatusStopped)
	}
}
