// Package orchestrator is the public entry point of the session subsystem.
// It composes the pty handle, output parser, journal, registry, and hub into
// one pipeline per session: process output is parsed into events, appended
// durably in order, and then fanned out to live viewers. The orchestrator
// owns the session state machine and guarantees exactly one terminal
// transition per session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/hub"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/ptyproc"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/stream"
)

// ErrNotRunning is returned for operations that require a Running session.
var ErrNotRunning = errors.New("session is not running")

// StartSpec describes one session start request. Command, working directory
// and environment come resolved from the caller's configuration layer.
type StartSpec struct {
	ProjectID string
	Agent     agent.Kind
	WorkDir   string

	// Launch tuning, passed through to the agent catalog.
	Command string
	Model   string
	Args    []string
	Env     map[string]string

	// Optional fixed id, tests only; empty means a fresh UUID.
	ID string
}

// Orchestrator wires all session components together.
type Orchestrator struct {
	store *journal.Store
	hub   *hub.Hub
	reg   *registry.Registry
	log   *slog.Logger
}

// New creates an orchestrator over an open journal store.
func New(store *journal.Store, h *hub.Hub, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store: store,
		hub:   h,
		reg:   registry.New(),
		log:   log.With("component", "orchestrator"),
	}
}

// Hub exposes the fan-out for transports.
func (o *Orchestrator) Hub() *hub.Hub { return o.hub }

// Store exposes the journal for read-only history access.
func (o *Orchestrator) Store() *journal.Store { return o.store }

// Start creates a session, spawns its agent process on a pty, and launches
// the event pipeline. On a spawn failure the session row persists in the
// Failed state so the failure is visible in history.
func (o *Orchestrator) Start(ctx context.Context, spec StartSpec) (*Session, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := journal.SessionRecord{
		ID:        id,
		ProjectID: spec.ProjectID,
		Agent:     string(spec.Agent),
		WorkDir:   spec.WorkDir,
		Status:    journal.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}

	s := &Session{
		rec:    rec,
		orch:   o,
		status: journal.StatusPending,
		done:   make(chan struct{}),
	}
	if err := o.reg.Create(s); err != nil {
		_ = o.store.DeleteSession(ctx, id)
		return nil, err
	}

	launch := spec.Agent.Launch(agent.LaunchOptions{
		Command: spec.Command,
		Model:   spec.Model,
		Args:    spec.Args,
		Env:     spec.Env,
	})

	proc, err := ptyproc.Spawn(ptyproc.Spec{
		Command: launch.Command,
		Args:    launch.Args,
		Dir:     spec.WorkDir,
		Env:     launch.Env,
	})
	if err != nil {
		s.transition(journal.StatusFailed, journal.StatusPending)
		o.persistStatus(id, journal.StatusFailed)
		close(s.done)
		o.log.Error("spawn failed", "session_id", id, "agent", spec.Agent, "error", err)
		return nil, fmt.Errorf("starting session %s: %w", id, err)
	}

	appender, err := o.store.OpenAppender(ctx, id)
	if err != nil {
		proc.Drain()
		_ = proc.Terminate()
		s.transition(journal.StatusFailed, journal.StatusPending)
		o.persistStatus(id, journal.StatusFailed)
		close(s.done)
		return nil, err
	}

	s.mu.Lock()
	s.proc = proc
	s.appender = appender
	s.mu.Unlock()

	s.transition(journal.StatusRunning, journal.StatusPending)
	o.persistStatus(id, journal.StatusRunning)
	metrics.SessionStarted(string(spec.Agent))
	o.log.Info("session started",
		"session_id", id, "agent", spec.Agent, "pid", proc.PID(), "workdir", spec.WorkDir)

	go s.pipeline(spec.Agent.Classifier())
	return s, nil
}

// Get returns the live session entry for id.
func (o *Orchestrator) Get(id string) (*Session, bool) {
	e, ok := o.reg.Get(id)
	if !ok {
		return nil, false
	}
	return e.(*Session), true
}

// List returns all live session entries.
func (o *Orchestrator) List() []*Session {
	entries := o.reg.List()
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.(*Session))
	}
	return out
}

// SendInput forwards bytes to a running session's terminal.
func (o *Orchestrator) SendInput(id string, data []byte) error {
	s, ok := o.Get(id)
	if !ok {
		return ErrNotRunning
	}
	return s.SendInput(data)
}

// Stop requests a graceful stop of a running session. Idempotent, and safe
// to race with the process exiting on its own: the status transition is a
// guarded compare-and-set, so exactly one of the two paths wins and exactly
// one terminate signal is sent.
func (o *Orchestrator) Stop(id string) error {
	s, ok := o.Get(id)
	if !ok {
		return ErrNotRunning
	}
	return s.Stop()
}

// Subscribe attaches a live viewer to a session, with backfill after
// resumeFrom. Works for ended sessions too: the viewer receives the full
// history followed by no live events.
func (o *Orchestrator) Subscribe(ctx context.Context, id string, resumeFrom uint64) (*hub.Subscriber, error) {
	return o.hub.Subscribe(ctx, id, resumeFrom)
}

// Unsubscribe detaches a viewer.
func (o *Orchestrator) Unsubscribe(sub *hub.Subscriber) {
	o.hub.Unsubscribe(sub)
}

// Remove drops a terminal session from the registry. History stays in the
// journal and remains queryable.
func (o *Orchestrator) Remove(id string) error {
	return o.reg.Remove(id)
}

// Delete removes a session from the registry (when present) and erases its
// journal history.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.reg.Remove(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	return o.store.DeleteSession(ctx, id)
}

// Shutdown stops every live session and waits for their pipelines, bounded
// by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	entries := o.reg.Drain()
	for _, e := range entries {
		s := e.(*Session)
		if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			o.log.Warn("stopping session at shutdown", "session_id", s.ID(), "error", err)
		}
	}
	for _, e := range entries {
		select {
		case <-e.(*Session).done:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) persistStatus(id string, status journal.Status) {
	if err := o.store.UpdateSessionStatus(context.Background(), id, status); err != nil {
		o.log.Error("persisting session status", "session_id", id, "status", status, "error", err)
	}
}

// deliver appends one record and publishes the committed event. Returns
// false on a write error, after which the session must stop appending.
func (s *Session) deliver(rec stream.Record) bool {
	ev, err := s.appender.Append(context.Background(), rec.Kind, rec.Payload)
	if err != nil {
		s.orch.log.Error("append failed", "session_id", s.ID(), "error", err)
		return false
	}
	metrics.EventAppended(string(rec.Kind))
	s.orch.hub.Publish(ev)
	return true
}

// pipeline is the single writer for this session: it consumes raw pty
// chunks, parses them into records, journals each one, and fans it out. It
// ends by appending the terminal exit event and resolving the session
// status.
func (s *Session) pipeline(classify stream.ClassifyFunc) {
	defer close(s.done)

	parser := stream.NewParser(classify)
	writeFailed := false

	for chunk := range s.proc.Output() {
		for _, rec := range parser.Feed(chunk) {
			if !s.deliver(rec) {
				writeFailed = true
				break
			}
		}
		if writeFailed {
			break
		}
	}

	if writeFailed {
		// Persistence is gone; stop the process and drain its remaining
		// output without appending.
		s.proc.Drain()
		_ = s.proc.Terminate()
	} else {
		for _, rec := range parser.Flush() {
			if !s.deliver(rec) {
				writeFailed = true
				break
			}
		}
	}

	code := s.proc.Wait()

	if !writeFailed {
		if !s.deliver(stream.ExitRecord(code)) {
			writeFailed = true
		}
	}

	final := journal.StatusExited
	switch {
	case writeFailed:
		final = journal.StatusFailed
	case code != 0:
		final = journal.StatusFailed
	}

	// The guarded transition loses cleanly against a concurrent Stop; the
	// Stopped status then stands.
	if s.transition(final, journal.StatusRunning) {
		s.orch.persistStatus(s.ID(), final)
		metrics.SessionEnded(string(final))
	}
	s.orch.log.Info("session ended",
		"session_id", s.ID(), "status", s.Status(), "exit_code", code, "last_seq", s.appender.LastSeq())
}
