package ui

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notchapp/notchd/internal/broker"
	"github.com/notchapp/notchd/internal/hook"
	"github.com/notchapp/notchd/internal/protocol"
	"github.com/notchapp/notchd/internal/registry"
	"github.com/notchapp/notchd/internal/tmux"
)

type noopWatcher struct{}

func (noopWatcher) Watch(sessionID, path string) error { return nil }
func (noopWatcher) Unwatch(sessionID string)           {}

type fakePanes struct {
	mu     sync.Mutex
	target tmux.Target
	err    error
	sent   []string
}

func (f *fakePanes) ResolveByTTY(tty string) (tmux.Target, error) {
	return f.target, f.err
}

func (f *fakePanes) SendText(paneID, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, paneID+":"+text)
	return nil
}

func (f *fakePanes) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	reg   *registry.Registry
	brk   *broker.Broker
	panes *fakePanes
	conn  *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	brk := broker.New(0)
	reg := registry.New(brk, noopWatcher{})
	brk.SetOnResolve(reg.ApplyDecision)

	panes := &fakePanes{target: tmux.Target{PaneID: "%3", SessionName: "main"}}
	srv := NewServer(reg, brk, panes)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(brk.Shutdown)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{reg: reg, brk: brk, panes: panes, conn: conn}
}

func (h *harness) readMessage(t *testing.T) *protocol.Message {
	t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.conn.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func (h *harness) send(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	msg := protocol.Message{Type: msgType, Payload: data, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, raw))
}

func (h *harness) openApproval(t *testing.T) <-chan broker.Decision {
	t.Helper()
	h.reg.Dispatch(hook.Event{
		Kind:      hook.KindUserPromptSubmit,
		SessionID: "s1",
		Prompt:    "refactor the parser",
		TTY:       "/dev/ttys003",
	})
	ch, err := h.brk.Open("T1", broker.Request{SessionID: "s1", ToolName: "Edit"})
	require.NoError(t, err)
	h.reg.Dispatch(hook.Event{
		Kind:             hook.KindPreToolUse,
		SessionID:        "s1",
		ToolUseID:        "T1",
		ToolName:         "Edit",
		RequiresApproval: true,
	})
	return ch
}

func TestConnectDeliversInitialSnapshot(t *testing.T) {
	h := newHarness(t)

	msg := h.readMessage(t)
	assert.Equal(t, protocol.TypeSessionsSnapshot, msg.Type)

	var p protocol.SnapshotPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Empty(t, p.Sessions)
}

func TestApproveResolvesPendingRequest(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	ch := h.openApproval(t)
	h.send(t, protocol.TypeApprove, protocol.ApprovePayload{SessionID: "s1"})

	select {
	case d := <-ch:
		assert.Equal(t, broker.OutcomeAllow, d.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
	}
}

func TestDenyWithInstructions(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	ch := h.openApproval(t)
	h.send(t, protocol.TypeDeny, protocol.DenyPayload{
		SessionID:    "s1",
		Instructions: "run it in the sandbox first",
	})

	select {
	case d := <-ch:
		assert.Equal(t, broker.OutcomeDenyWithInstructions, d.Outcome)
		assert.Equal(t, "run it in the sandbox first", d.Instructions)
	case <-time.After(2 * time.Second):
		t.Fatal("denial never resolved")
	}
}

func TestApproveWithoutPendingApproval(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	h.reg.Dispatch(hook.Event{
		Kind:      hook.KindUserPromptSubmit,
		SessionID: "s1",
		Prompt:    "hello",
	})

	h.send(t, protocol.TypeApprove, protocol.ApprovePayload{SessionID: "s1"})

	// Skip snapshot updates until the error arrives.
	for {
		msg := h.readMessage(t)
		if msg.Type == protocol.TypeSessionsSnapshot {
			continue
		}
		require.Equal(t, protocol.TypeError, msg.Type)
		var p protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		assert.Equal(t, protocol.ErrNoPendingApproval, p.Code)
		return
	}
}

func TestApproveUnknownSession(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	h.send(t, protocol.TypeApprove, protocol.ApprovePayload{SessionID: "ghost"})

	msg := h.readMessage(t)
	require.Equal(t, protocol.TypeError, msg.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrSessionNotFound, p.Code)
}

func TestAnswerDeliversTextAndCancelsApproval(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	ch := h.openApproval(t)
	h.send(t, protocol.TypeAnswer, protocol.AnswerPayload{SessionID: "s1", Text: "2"})

	// The answer goes into the pane as keystrokes.
	require.Eventually(t, func() bool {
		return len(h.panes.sentTexts()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "%3:2", h.panes.sentTexts()[0])

	// The terminal answer supersedes the UI decision.
	select {
	case d := <-ch:
		assert.Equal(t, broker.OutcomeCanceled, d.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("pending approval was not canceled")
	}
}

func TestAnswerWithoutTTY(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	h.reg.Dispatch(hook.Event{
		Kind:      hook.KindUserPromptSubmit,
		SessionID: "s1",
		Prompt:    "hello",
	})

	h.send(t, protocol.TypeAnswer, protocol.AnswerPayload{SessionID: "s1", Text: "2"})

	for {
		msg := h.readMessage(t)
		if msg.Type == protocol.TypeSessionsSnapshot {
			continue
		}
		require.Equal(t, protocol.TypeError, msg.Type)
		var p protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		assert.Equal(t, protocol.ErrPaneNotFound, p.Code)
		return
	}
}

func TestArchiveRemovesSession(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	h.reg.Dispatch(hook.Event{
		Kind:      hook.KindUserPromptSubmit,
		SessionID: "s1",
		Prompt:    "hello",
	})

	h.send(t, protocol.TypeArchive, protocol.ArchivePayload{SessionID: "s1"})

	require.Eventually(t, func() bool {
		_, err := h.reg.Lookup("s1")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"no origin header", "", true},
		{"localhost", "http://localhost:4458", true},
		{"loopback ipv4", "http://127.0.0.1:4458", true},
		{"loopback ipv6", "http://[::1]:4458", true},
		{"remote host", "http://evil.example", false},
		{"remote ip", "http://10.0.0.5:4458", false},
		{"garbage origin", "http://%zz", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.allowed, checkOrigin(req))
		})
	}
}

func TestCrossOriginUpgradeIsRefused(t *testing.T) {
	brk := broker.New(0)
	reg := registry.New(brk, noopWatcher{})
	srv := NewServer(reg, brk, &fakePanes{})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(brk.Shutdown)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := make(map[string][]string)
	header["Origin"] = []string{"http://evil.example"}

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestInvalidMessageGetsErrorReply(t *testing.T) {
	h := newHarness(t)
	h.readMessage(t)

	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "bogus"}`)))

	msg := h.readMessage(t)
	require.Equal(t, protocol.TypeError, msg.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrInvalidMessage, p.Code)
}
