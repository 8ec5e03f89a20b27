package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notchapp/notchd/internal/broker"
	"github.com/notchapp/notchd/internal/hook"
	"github.com/notchapp/notchd/internal/session"
)

type fakeCanceler struct {
	mu       sync.Mutex
	canceled []string
	sessions []string
}

func (f *fakeCanceler) Cancel(toolUseID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, toolUseID)
}

func (f *fakeCanceler) CancelSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
}

func (f *fakeCanceler) canceledSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

type fakeWatcher struct {
	mu        sync.Mutex
	watching  map[string]string
	unwatched []string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{watching: make(map[string]string)}
}

func (f *fakeWatcher) Watch(sessionID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watching[sessionID] = path
	return nil
}

func (f *fakeWatcher) Unwatch(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watching, sessionID)
	f.unwatched = append(f.unwatched, sessionID)
}

func newTestRegistry() (*Registry, *fakeCanceler, *fakeWatcher) {
	c := &fakeCanceler{}
	w := newFakeWatcher()
	return New(c, w), c, w
}

func prompt(sessionID string) hook.Event {
	return hook.Event{
		Kind:      hook.KindUserPromptSubmit,
		SessionID: sessionID,
		CWD:       "/work",
		Prompt:    "do things",
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatchCreatesSession(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Dispatch(prompt("s1"))

	sess, err := r.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseProcessing, sess.Phase)
	assert.Equal(t, "/work", sess.WorkDir)
}

func TestLookupUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry()

	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndedForUnknownSessionIsDropped(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Dispatch(hook.Event{
		Kind:      hook.KindSessionStatus,
		SessionID: "ghost",
		Status:    hook.StatusEnded,
	})

	assert.Empty(t, r.Sessions())
}

func TestEndedRemovesAndCancels(t *testing.T) {
	r, c, _ := newTestRegistry()

	r.Dispatch(prompt("s1"))
	r.Dispatch(hook.Event{
		Kind:      hook.KindSessionStatus,
		SessionID: "s1",
		Status:    hook.StatusEnded,
	})

	_, err := r.Lookup("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, c.canceledSessions(), "s1")
}

func TestArchive(t *testing.T) {
	r, c, w := newTestRegistry()

	r.Dispatch(prompt("s1"))
	require.NoError(t, r.Archive("s1"))

	_, err := r.Lookup("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, c.canceledSessions(), "s1")
	assert.Contains(t, w.unwatched, "s1")

	assert.ErrorIs(t, r.Archive("s1"), ErrNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Dispatch(prompt("s1"))

	snap := r.Sessions()
	require.Len(t, snap, 1)
	snap[0].WorkDir = "/mutated"
	snap[0].History[0].Text = "mutated"

	sess, err := r.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, "/work", sess.WorkDir)
	assert.Equal(t, "do things", sess.History[0].Text)
}

func TestSubscribePublishesSnapshots(t *testing.T) {
	r, _, _ := newTestRegistry()

	id, ch := r.Subscribe()
	defer r.Unsubscribe(id)

	// Initial snapshot is delivered immediately.
	select {
	case snap := <-ch:
		assert.Empty(t, snap)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	r.Dispatch(prompt("s1"))

	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
		assert.Equal(t, "s1", snap[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after mutation")
	}
}

func TestWatcherLifecycle(t *testing.T) {
	r, _, w := newTestRegistry()

	ev := prompt("s1")
	ev.TranscriptPath = "/tmp/s1.jsonl"
	r.Dispatch(ev)

	w.mu.Lock()
	path := w.watching["s1"]
	w.mu.Unlock()
	assert.Equal(t, "/tmp/s1.jsonl", path)

	r.Dispatch(hook.Event{Kind: hook.KindStop, SessionID: "s1"})

	w.mu.Lock()
	_, stillWatching := w.watching["s1"]
	w.mu.Unlock()
	assert.False(t, stillWatching)
}

// A start-watch effect that lost a race with the session's removal must not
// leave a watch running for a session that no longer exists.
func TestNoWatchStartsForRemovedSession(t *testing.T) {
	r, _, w := newTestRegistry()

	r.runEffects("gone", "/tmp/gone.jsonl", session.Effects{StartWatch: true})

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.watching)
}

func TestInterruptEntryPoint(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Dispatch(prompt("s1"))
	r.Interrupt("s1")

	sess, err := r.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseInterrupted, sess.Phase)
	assert.True(t, sess.NeedsAttention)
}

func TestInterruptForUnknownSessionIsDropped(t *testing.T) {
	r, _, _ := newTestRegistry()

	// Must not resurrect an archived session.
	r.Interrupt("gone")
	assert.Empty(t, r.Sessions())
}

func TestApplyDecisionClearsPermission(t *testing.T) {
	r, _, _ := newTestRegistry()

	r.Dispatch(prompt("s1"))
	r.Dispatch(hook.Event{
		Kind:             hook.KindPreToolUse,
		SessionID:        "s1",
		ToolUseID:        "T1",
		ToolName:         "Edit",
		RequiresApproval: true,
	})

	sess, err := r.Lookup("s1")
	require.NoError(t, err)
	require.NotNil(t, sess.Active)

	r.ApplyDecision("s1", "T1", broker.Decision{Outcome: broker.OutcomeAllow})

	sess, err = r.Lookup("s1")
	require.NoError(t, err)
	assert.Nil(t, sess.Active)
	assert.Equal(t, session.PhaseProcessing, sess.Phase)
}

func TestConcurrentSessionsProgressIndependently(t *testing.T) {
	r, _, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 20; j++ {
				r.Dispatch(prompt(id))
				r.Dispatch(hook.Event{Kind: hook.KindStop, SessionID: id})
			}
		}(i)
	}
	wg.Wait()

	snap := r.Sessions()
	require.Len(t, snap, 8)
	for _, s := range snap {
		assert.Equal(t, session.PhaseIdle, s.Phase)
	}
}
