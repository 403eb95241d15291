package orchestrator

import (
	"errors"
	"sync"

	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/ptyproc"
)

// Session is the live orchestration state for one agent run. The durable
// SessionRecord outlives it; this struct holds only what dies with the
// process: the pty handle, the appender, and the in-memory status.
type Session struct {
	rec  journal.SessionRecord
	orch *Orchestrator

	mu       sync.Mutex
	status   journal.Status
	proc     *ptyproc.Proc
	appender *journal.Appender

	// done closes when the pipeline goroutine has fully finished, including
	// the terminal status transition.
	done chan struct{}
}

// ID returns the session id.
func (s *Session) ID() string { return s.rec.ID }

// Record returns the session's immutable creation record. LastSeq and
// Status in the returned copy reflect live state.
func (s *Session) Record() journal.SessionRecord {
	rec := s.rec
	rec.Status = s.Status()
	if a := s.appenderNow(); a != nil {
		rec.LastSeq = a.LastSeq()
	}
	return rec
}

// Status returns the current lifecycle status.
func (s *Session) Status() journal.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal implements registry.Entry.
func (s *Session) Terminal() bool {
	return s.Status().Terminal()
}

// Subscribers implements registry.Entry.
func (s *Session) Subscribers() int {
	return s.orch.hub.SubscriberCount(s.rec.ID)
}

// Done closes when the session's pipeline has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// transition moves status to target if the current status is one of from
// and not already terminal. This single guarded compare-and-set is what
// keeps concurrent stop and process-exit from producing two terminal
// transitions.
func (s *Session) transition(target journal.Status, from ...journal.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	for _, f := range from {
		if s.status == f {
			s.status = target
			return true
		}
	}
	return false
}

// SendInput forwards bytes to the agent's terminal. Valid only while
// Running.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	running := s.status == journal.StatusRunning
	proc := s.proc
	s.mu.Unlock()
	if !running || proc == nil {
		return ErrNotRunning
	}
	if err := proc.WriteInput(data); err != nil {
		if errors.Is(err, ptyproc.ErrClosed) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Resize adjusts the session's pty window.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}
	if err := proc.Resize(rows, cols); err != nil {
		if errors.Is(err, ptyproc.ErrClosed) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Stop transitions Running to Stopped and terminates the process. The CAS
// winner sends the one terminate signal; every other caller, including a
// second concurrent Stop, observes the terminal state and returns nil.
func (s *Session) Stop() error {
	if !s.transition(journal.StatusStopped, journal.StatusRunning) {
		if s.Status().Terminal() {
			return nil // already ended, stop is idempotent
		}
		return ErrNotRunning
	}
	s.orch.persistStatus(s.rec.ID, journal.StatusStopped)
	metrics.SessionEnded(string(journal.StatusStopped))

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			// Force kill applied after the grace period: logged, not a
			// failed stop.
			s.orch.log.Warn("session terminate escalated", "session_id", s.rec.ID, "error", err)
		}
	}
	return nil
}

func (s *Session) appenderNow() *journal.Appender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appender
}
