// Package events buffers agent session events for reliable observation:
// every event is appended to a per-session ordered log and fanned out to
// live subscribers, and late subscribers receive the full backfill first.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/steveyegge/glass/internal/types"
)

// DefaultGraceWindow is how long a completed buffer stays available for
// backfill reads before it is removed.
const DefaultGraceWindow = 30 * time.Second

// Listener receives events appended to a session buffer. Listeners are
// invoked synchronously in append order while the broadcaster's lock is
// held, so they must be fast and must not call back into the Broadcaster.
type Listener func(types.AnalysisEvent)

type sessionBuffer struct {
	events      []types.AnalysisEvent
	subscribers map[int]Listener
	nextSubID   int
	completed   bool
	expiry      *time.Timer
}

// Broadcaster owns the session buffers. It is constructor-injected (never a
// package global) so tests can run isolated instances side by side.
type Broadcaster struct {
	grace  time.Duration
	logger *log.Logger

	mu      sync.Mutex
	buffers map[string]*sessionBuffer
}

// NewBroadcaster creates a broadcaster whose completed buffers expire after
// the given grace window. A zero grace uses DefaultGraceWindow.
func NewBroadcaster(grace time.Duration, logger *log.Logger) *Broadcaster {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		grace:   grace,
		logger:  logger,
		buffers: make(map[string]*sessionBuffer),
	}
}

// CreateBuffer initializes an empty, non-completed buffer for the session.
// Idempotent: an existing active buffer is left untouched. An existing
// completed buffer (a previous round of the same conversation, e.g. after
// requested changes) is replaced with a fresh one and its expiry cancelled.
func (b *Broadcaster) CreateBuffer(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf, ok := b.buffers[sessionID]; ok {
		if !buf.completed {
			return
		}
		if buf.expiry != nil {
			buf.expiry.Stop()
		}
	}
	b.buffers[sessionID] = &sessionBuffer{
		subscribers: make(map[int]Listener),
	}
}

// Append adds an event to the session's ordered log and synchronously
// notifies every current subscriber. A panicking listener is isolated: it
// neither corrupts the log nor prevents the remaining listeners from being
// notified. A terminal event marks the buffer completed and schedules its
// removal after the grace window.
func (b *Broadcaster) Append(sessionID string, event types.AnalysisEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[sessionID]
	if !ok {
		b.logger.Printf("warning: dropping event %s for unknown session %s", event.Type, sessionID)
		return
	}
	if buf.completed {
		// The terminal event sealed this round; a late append must not
		// re-arm expiry or grow the log behind backfill readers.
		b.logger.Printf("warning: dropping event %s for completed session %s", event.Type, sessionID)
		return
	}

	buf.events = append(buf.events, event)

	// Notification happens under the lock so a concurrent Subscribe cannot
	// interleave between snapshot and registration; this is what makes the
	// backfill/live boundary gapless and duplicate-free.
	for id, listener := range buf.subscribers {
		b.notify(sessionID, id, listener, event)
	}

	if event.IsTerminal() {
		buf.completed = true
		buf.subscribers = make(map[int]Listener)
		buf.expiry = time.AfterFunc(b.grace, func() {
			b.Remove(sessionID)
		})
	}
}

func (b *Broadcaster) notify(sessionID string, subID int, listener Listener, event types.AnalysisEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("warning: subscriber %d for session %s panicked: %v", subID, sessionID, r)
		}
	}()
	listener(event)
}

// Subscribe returns a snapshot of the session's log and registers the
// listener for subsequent events. The snapshot and the first live event
// delivered are adjacent in append order. If the buffer is already
// completed the full log is returned with a no-op unsubscribe; no live
// events remain. ok is false if the session is unknown.
func (b *Broadcaster) Subscribe(sessionID string, listener Listener) (backfill []types.AnalysisEvent, unsubscribe func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, found := b.buffers[sessionID]
	if !found {
		return nil, nil, false
	}

	backfill = make([]types.AnalysisEvent, len(buf.events))
	copy(backfill, buf.events)

	if buf.completed {
		return backfill, func() {}, true
	}

	subID := buf.nextSubID
	buf.nextSubID++
	buf.subscribers[subID] = listener

	unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, stillThere := b.buffers[sessionID]; stillThere && cur == buf {
			delete(cur.subscribers, subID)
		}
	}
	return backfill, unsubscribe, true
}

// IsActive reports whether a buffer exists for the session and has not yet
// received a terminal event.
func (b *Broadcaster) IsActive(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[sessionID]
	return ok && !buf.completed
}

// Remove eagerly deletes the session's buffer, cancelling any pending
// expiry. Used when a session is aborted or discarded before any event was
// appended. Removing an unknown session is a no-op.
func (b *Broadcaster) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[sessionID]; ok {
		if buf.expiry != nil {
			buf.expiry.Stop()
		}
		delete(b.buffers, sessionID)
	}
}
