// Package registry owns the set of live sessions. Events for one session
// are applied serially; unrelated sessions make progress independently.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/notchapp/notchd/internal/broker"
	"github.com/notchapp/notchd/internal/hook"
	"github.com/notchapp/notchd/internal/logging"
	"github.com/notchapp/notchd/internal/metrics"
	"github.com/notchapp/notchd/internal/session"
)

// ErrNotFound is returned when a session ID is unknown.
var ErrNotFound = errors.New("registry: session not found")

const subscriberBufCap = 16

// PermissionCanceler is the slice of the permission broker the registry
// needs to execute transition effects.
type PermissionCanceler interface {
	Cancel(toolUseID string)
	CancelSession(sessionID string)
}

// TranscriptWatcher starts and stops per-session transcript monitoring.
type TranscriptWatcher interface {
	Watch(sessionID, path string) error
	Unwatch(sessionID string)
}

type entry struct {
	mu   sync.Mutex
	sess session.Session
}

// Registry applies the session state machine and publishes snapshots of the
// full session set after every accepted mutation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subsMu sync.Mutex
	subs   map[string]chan []session.Session

	canceler PermissionCanceler
	watcher  TranscriptWatcher
	log      *logrus.Entry
}

func New(canceler PermissionCanceler, watcher TranscriptWatcher) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		subs:     make(map[string]chan []session.Session),
		canceler: canceler,
		watcher:  watcher,
		log:      logging.NewLogger("registry"),
	}
}

// Dispatch routes one event through the state machine. Creation, mutation,
// and removal all funnel through here so the per-session ordering guarantee
// holds for every event source.
func (r *Registry) Dispatch(ev hook.Event) {
	if ev.SessionID == "" {
		r.log.Warn("event dropped: missing session id")
		return
	}
	if !hook.Known(ev.Kind) {
		r.log.WithField("kind", ev.Kind).Debug("ignoring unknown event kind")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e, created := r.entryFor(ev)
	if e == nil {
		return
	}

	e.mu.Lock()
	next, eff := session.Reduce(e.sess, ev)
	e.sess = next
	transcriptPath := next.TranscriptPath
	e.mu.Unlock()

	if created {
		r.log.WithFields(logrus.Fields{
			"session_id": ev.SessionID,
			"work_dir":   ev.CWD,
		}).Info("session created")
	}

	r.runEffects(ev.SessionID, transcriptPath, eff)
	r.publish()
}

// entryFor returns the entry for an event, creating a fresh idle session
// when the event can legitimately open one. Termination events for unknown
// sessions are dropped so a late "ended" never resurrects a session.
func (r *Registry) entryFor(ev hook.Event) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[ev.SessionID]; ok {
		return e, false
	}

	if ev.Kind == hook.KindSessionStatus && ev.Status == hook.StatusEnded {
		return nil, false
	}
	// Internal events never create sessions either: a decision or interrupt
	// for an archived session must not be misapplied.
	if ev.Kind == hook.KindPermissionDecision || ev.Kind == hook.KindInterrupt {
		return nil, false
	}

	e := &entry{sess: session.New(ev.SessionID, ev.CWD, ev.Timestamp)}
	r.entries[ev.SessionID] = e
	return e, true
}

func (r *Registry) runEffects(sessionID, transcriptPath string, eff session.Effects) {
	for _, id := range eff.CancelToolUse {
		r.canceler.Cancel(id)
	}
	if eff.CancelSession {
		r.canceler.CancelSession(sessionID)
	}

	if eff.Remove {
		r.mu.Lock()
		delete(r.entries, sessionID)
		r.mu.Unlock()
		r.log.WithField("session_id", sessionID).Info("session removed")
	}

	switch {
	case eff.StartWatch:
		// Checked and started under the registry lock: a concurrent removal
		// either deletes the entry first (no watch starts) or runs its
		// Unwatch after the watch exists. Either way nothing leaks.
		r.mu.Lock()
		if _, live := r.entries[sessionID]; live {
			if err := r.watcher.Watch(sessionID, transcriptPath); err != nil {
				r.log.WithField("session_id", sessionID).WithError(err).Warn("transcript watch failed")
			}
		}
		r.mu.Unlock()
	case eff.StopWatch:
		r.watcher.Unwatch(sessionID)
	}
}

// ApplyDecision folds a permission outcome back into session state. Wired
// to the broker's OnResolve hook so decisions, cancellations, timeouts, and
// transport failures all travel the serialized transition path.
func (r *Registry) ApplyDecision(sessionID, toolUseID string, d broker.Decision) {
	r.Dispatch(hook.Event{
		Kind:         hook.KindPermissionDecision,
		SessionID:    sessionID,
		ToolUseID:    toolUseID,
		Decision:     string(d.Outcome),
		Reason:       d.Reason,
		Instructions: d.Instructions,
		Timestamp:    time.Now().UTC(),
	})
}

// Interrupt raises the out-of-band interrupt signal for a session. Entry
// point for the transcript watcher.
func (r *Registry) Interrupt(sessionID string) {
	r.Dispatch(hook.Event{
		Kind:      hook.KindInterrupt,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

// Archive removes a session without requiring an ended event. Pending
// permissions are canceled so nothing is left dangling.
func (r *Registry) Archive(sessionID string) error {
	r.mu.Lock()
	_, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	r.canceler.CancelSession(sessionID)
	r.watcher.Unwatch(sessionID)
	r.log.WithField("session_id", sessionID).Info("session archived")
	r.publish()
	return nil
}

// Lookup returns a snapshot of one session.
func (r *Registry) Lookup(sessionID string) (session.Session, error) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()

	if !ok {
		return session.Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

// Sessions returns a snapshot of the full session set, ordered by creation
// time.
func (r *Registry) Sessions() []session.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	snapshot := make([]session.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snapshot = append(snapshot, e.sess.Clone())
		e.mu.Unlock()
	}

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	return snapshot
}

// Subscribe registers a snapshot consumer. The current snapshot is
// delivered immediately; slow consumers have updates dropped rather than
// stalling the registry.
func (r *Registry) Subscribe() (string, <-chan []session.Session) {
	id := uuid.New().String()
	ch := make(chan []session.Session, subscriberBufCap)

	r.subsMu.Lock()
	r.subs[id] = ch
	r.subsMu.Unlock()

	ch <- r.Sessions()
	return id, ch
}

// Unsubscribe removes a snapshot consumer and closes its channel.
func (r *Registry) Unsubscribe(id string) {
	r.subsMu.Lock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
	r.subsMu.Unlock()
}

func (r *Registry) publish() {
	snapshot := r.Sessions()
	metrics.SessionsActive.Set(float64(len(snapshot)))
	metrics.SnapshotsPublished.Inc()

	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- snapshot:
		default:
			// Subscriber buffer full, drop the update. The next publish
			// carries the complete state anyway.
		}
	}
}
