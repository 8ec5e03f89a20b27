// Package transcript tails session transcript files to detect interrupts
// issued outside the hook instrumentation.
package transcript

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/notchapp/notchd/internal/logging"
	"github.com/notchapp/notchd/internal/metrics"
)

// InterruptFunc receives the session ID when an interrupt marker is found.
type InterruptFunc func(sessionID string)

// Manager watches at most one transcript per session. Watching an
// already-watched session is a no-op; Unwatch guarantees no interrupt for
// that session fires after it returns.
type Manager struct {
	mu      sync.Mutex
	watches map[string]*watch

	markers      []string
	pollInterval time.Duration
	onInterrupt  InterruptFunc
	log          *logrus.Entry
}

type watch struct {
	sessionID string
	path      string
	cancel    chan struct{}

	fireMu sync.Mutex
	fired  bool
}

func NewManager(markers []string, pollInterval time.Duration) *Manager {
	return &Manager{
		watches:      make(map[string]*watch),
		markers:      markers,
		pollInterval: pollInterval,
		log:          logging.NewLogger("transcript"),
	}
}

// SetOnInterrupt registers the interrupt sink. Must be set before the first
// Watch call.
func (m *Manager) SetOnInterrupt(fn InterruptFunc) {
	m.onInterrupt = fn
}

// Watch starts tailing a session's transcript. Only content appended after
// this call is scanned; the file does not need to exist yet.
func (m *Manager) Watch(sessionID, path string) error {
	m.mu.Lock()
	if _, exists := m.watches[sessionID]; exists {
		m.mu.Unlock()
		return nil
	}

	w := &watch{
		sessionID: sessionID,
		path:      path,
		cancel:    make(chan struct{}),
	}
	m.watches[sessionID] = w
	m.mu.Unlock()

	go m.run(w)
	return nil
}

// Unwatch stops a session's watch. After it returns no interrupt for the
// session will be delivered, even if the tail goroutine is mid-scan.
func (m *Manager) Unwatch(sessionID string) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	if ok {
		delete(m.watches, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	w.fireMu.Lock()
	w.fired = true
	w.fireMu.Unlock()
	close(w.cancel)
}

// Shutdown stops every watch.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unwatch(id)
	}
}

// tryFire claims the single interrupt delivery for this watch.
func (w *watch) tryFire() bool {
	w.fireMu.Lock()
	defer w.fireMu.Unlock()
	if w.fired {
		return false
	}
	w.fired = true
	return true
}

func (m *Manager) run(w *watch) {
	log := m.log.WithFields(logrus.Fields{
		"session_id": w.sessionID,
		"path":       w.path,
	})

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("fsnotify unavailable, polling only")
	} else {
		defer fsw.Close()
		// Watch the directory: the transcript may not exist yet, and the
		// writer may replace it wholesale.
		if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			log.WithError(err).Warn("cannot watch transcript directory, polling only")
		}
	}

	// Only appends made after the watch started count as out-of-band.
	offset := int64(0)
	if info, err := os.Stat(w.path); err == nil {
		offset = info.Size()
	}

	// Carry a tail of the previous chunk so a marker split across two reads
	// is still matched.
	carry := ""

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if fsw != nil {
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-w.cancel:
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				offset = 0
				carry = ""
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if m.scan(w, &offset, &carry, log) {
				return
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithError(err).Warn("transcript watch error")

		case <-ticker.C:
			// Fallback for writers fsnotify does not see.
			if m.scan(w, &offset, &carry, log) {
				return
			}
		}
	}
}

// scan reads bytes appended since the last offset and looks for interrupt
// markers. Returns true once the interrupt fired and the watch is done.
func (m *Manager) scan(w *watch, offset *int64, carry *string, log *logrus.Entry) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	size := info.Size()
	if size < *offset {
		// Truncated or rotated: re-seek from the start rather than trusting
		// a stale handle.
		*offset = 0
		*carry = ""
	}
	if size == *offset {
		return false
	}

	f, err := os.Open(w.path)
	if err != nil {
		return false
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return false
	}

	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return false
	}
	*offset += int64(len(data))

	chunk := *carry + string(data)
	if m.containsMarker(chunk) {
		if w.tryFire() {
			metrics.InterruptsDetected.Inc()
			log.Info("interrupt detected in transcript")
			m.remove(w.sessionID)
			if m.onInterrupt != nil {
				m.onInterrupt(w.sessionID)
			}
		}
		return true
	}

	*carry = markerTail(chunk, m.markers)
	return false
}

func (m *Manager) containsMarker(chunk string) bool {
	for _, marker := range m.markers {
		if strings.Contains(chunk, marker) {
			return true
		}
	}
	return false
}

// markerTail keeps the last len(longest marker)-1 bytes of a chunk so a
// marker straddling a read boundary is still detected.
func markerTail(chunk string, markers []string) string {
	longest := 0
	for _, marker := range markers {
		if len(marker) > longest {
			longest = len(marker)
		}
	}
	if longest <= 1 || len(chunk) < longest-1 {
		return chunk
	}
	return chunk[len(chunk)-(longest-1):]
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.watches, sessionID)
	m.mu.Unlock()
}
