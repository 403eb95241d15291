// Package hub fans newly committed session events out to live viewers.
// Delivery is best-effort convenience layered on top of the journal's
// durability: Publish never blocks the append path, late joiners get a
// backfill read from the journal before going live, and slow consumers are
// marked saturated and told to resync instead of buffering without bound.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/metrics"
)

const (
	// DefaultQueueDepth bounds each subscriber's delivery queue.
	DefaultQueueDepth = 256

	backfillPage = 512
)

// Hub is the process-wide fan-out. One topic per session, created lazily on
// first subscribe or publish and dropped when its last subscriber leaves.
type Hub struct {
	store *journal.Store
	log   *slog.Logger
	depth int

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// New creates a hub reading backfill from store. queueDepth <= 0 selects
// DefaultQueueDepth.
func New(store *journal.Store, log *slog.Logger, queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:  store,
		log:    log.With("component", "hub"),
		depth:  queueDepth,
		topics: make(map[string]*topic),
	}
}

// Subscriber is one live viewer connection. The hub owns it from Subscribe
// until Unsubscribe; the consumer drains Events and watches Resync.
type Subscriber struct {
	sessionID string

	mu         sync.Mutex
	cursor     uint64
	saturated  bool
	closed     bool
	backfilled bool

	events chan event.Event
	resync chan struct{}
	// done closes on Unsubscribe so a backfill blocked on a full queue can
	// bail out instead of sending into a channel about to be closed.
	done chan struct{}
}

// Events is the in-order delivery stream. Closed on Unsubscribe.
func (s *Subscriber) Events() <-chan event.Event { return s.events }

// Resync fires once when the subscriber fell behind and its backlog was
// dropped. The consumer should resubscribe from its last processed sequence.
func (s *Subscriber) Resync() <-chan struct{} { return s.resync }

// SessionID returns the session this subscriber is attached to.
func (s *Subscriber) SessionID() string { return s.sessionID }

// deliver enqueues one event, advancing the cursor. Events at or below the
// cursor were already delivered (backfill/live overlap) and are dropped;
// this is what makes the backfill-to-live handoff exactly-once.
func (s *Subscriber) deliver(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.saturated || ev.Seq <= s.cursor {
		return
	}
	select {
	case s.events <- ev:
		s.cursor = ev.Seq
	default:
		s.saturated = true
		metrics.SubscriberSaturated()
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
}

// Subscribe attaches a new viewer, replaying committed events after
// resumeFrom before switching to live delivery. Backfill and live delivery
// together yield every committed event exactly once, in order.
//
// Backfill runs in a goroutine writing into the subscriber's channel, so
// callers must start draining Events immediately. Backfill sends block until
// consumed or ctx is done; live delivery after the handoff is non-blocking
// under the saturation policy.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, resumeFrom uint64) (*Subscriber, error) {
	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", sessionID, err)
	}

	sub := &Subscriber{
		sessionID: sessionID,
		cursor:    resumeFrom,
		events:    make(chan event.Event, h.depth),
		resync:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	metrics.SubscriberAdded()
	go h.runBackfill(ctx, sub)
	return sub, nil
}

func (h *Hub) runBackfill(ctx context.Context, sub *Subscriber) {
	defer sub.finishBackfill()

	// Phase 1: page through history without holding any lock. The cursor
	// only advances, so a page re-read after a slow consumer stall is safe.
	for {
		evs, err := h.store.ReadRange(ctx, sub.sessionID, sub.cursor, backfillPage)
		if err != nil {
			h.failBackfill(sub, err)
			return
		}
		for _, ev := range evs {
			select {
			case sub.events <- ev:
				sub.mu.Lock()
				sub.cursor = ev.Seq
				sub.mu.Unlock()
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if len(evs) < backfillPage {
			break
		}
	}

	// Phase 2: register for live delivery under the topic lock, then re-read
	// the journal tail outside it. A publish that missed the registration
	// committed its event before the tail read starts, so the read sees it;
	// a later publish sees the registered subscriber. The cursor check in
	// deliver drops the overlap, closing the backfill/live race window.
	t := h.topic(sub.sessionID)
	t.mu.Lock()
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		t.mu.Unlock()
		return
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	for {
		evs, err := h.store.ReadRange(ctx, sub.sessionID, sub.cursorNow(), backfillPage)
		if err != nil {
			h.failBackfill(sub, err)
			return
		}
		for _, ev := range evs {
			sub.deliver(ev)
		}
		if len(evs) < backfillPage {
			return
		}
	}
}

// finishBackfill hands channel-closing duty back to Unsubscribe. Only the
// backfill goroutine sends on events without holding the subscriber lock, so
// the channel must not close until it has stopped.
func (sub *Subscriber) finishBackfill() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.backfilled = true
	if sub.closed {
		close(sub.events)
	}
}

// failBackfill degrades a broken backfill to a resync signal so the viewer
// can retry, rather than silently delivering a gap.
func (h *Hub) failBackfill(sub *Subscriber, err error) {
	h.log.Error("backfill failed", "session_id", sub.sessionID, "error", err)
	sub.mu.Lock()
	sub.saturated = true
	sub.mu.Unlock()
	select {
	case sub.resync <- struct{}{}:
	default:
	}
}

func (sub *Subscriber) cursorNow() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.cursor
}

// Publish delivers one committed event to all current subscribers of its
// session. It never blocks on a slow subscriber: the subscriber set is
// snapshotted under the topic lock and each delivery is a non-blocking send.
func (h *Hub) Publish(ev event.Event) {
	t := h.lookupTopic(ev.SessionID)
	if t == nil {
		return
	}

	t.mu.Lock()
	subs := make([]*Subscriber, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// Unsubscribe detaches a viewer and closes its delivery channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	t := h.topics[sub.sessionID]
	h.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		delete(t.subs, sub)
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			h.dropTopicIfEmpty(sub.sessionID)
		}
	}

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.done)
		// The events channel closes here only once the backfill goroutine is
		// out of the picture; otherwise finishBackfill closes it.
		if sub.backfilled {
			close(sub.events)
		}
		metrics.SubscriberRemoved()
	}
	sub.mu.Unlock()
}

// SubscriberCount reports how many live subscribers a session has.
func (h *Hub) SubscriberCount(sessionID string) int {
	t := h.lookupTopic(sessionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) topic(sessionID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		h.topics[sessionID] = t
	}
	return t
}

func (h *Hub) lookupTopic(sessionID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topics[sessionID]
}

func (h *Hub) dropTopicIfEmpty(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sessionID]; ok {
		t.mu.Lock()
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(h.topics, sessionID)
		}
	}
}
