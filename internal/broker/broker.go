// Package broker correlates pending tool-approval requests with the
// decisions that resolve them. Every request completes exactly once.
package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/notchapp/notchd/internal/hook"
	"github.com/notchapp/notchd/internal/logging"
	"github.com/notchapp/notchd/internal/metrics"
)

var (
	// ErrDuplicateRequest is returned by Open when the tool-use ID already
	// has a pending request. The original request is left intact.
	ErrDuplicateRequest = errors.New("broker: duplicate request")

	// ErrUnknownRequest is returned by Resolve for an absent tool-use ID.
	// Callers are expected to ignore it: double delivery is routine under
	// the races between decisions, cancellations, and timeouts.
	ErrUnknownRequest = errors.New("broker: unknown request")
)

// Outcome is the terminal result of a permission request.
type Outcome string

const (
	OutcomeAllow                Outcome = hook.DecisionAllow
	OutcomeDeny                 Outcome = hook.DecisionDeny
	OutcomeDenyWithInstructions Outcome = hook.DecisionDenyWithInstructions
	OutcomeCanceled             Outcome = hook.DecisionCanceled
	OutcomeTimedOut             Outcome = hook.DecisionTimedOut
	OutcomeTransportFailed      Outcome = hook.DecisionTransportFailed
)

// Decision is what a pending request resolves to.
type Decision struct {
	Outcome      Outcome
	Reason       string
	Instructions string
}

// Request describes the tool invocation awaiting approval.
type Request struct {
	SessionID string
	ToolName  string
	ToolInput json.RawMessage
}

// OnResolveFunc observes every resolution, whatever triggered it. The
// registry uses it to fold timeouts and cancellations back into session
// state through the same serialized transition path as hook events.
type OnResolveFunc func(sessionID, toolUseID string, d Decision)

type pending struct {
	req      Request
	openedAt time.Time
	ch       chan Decision
	timer    *time.Timer
}

// Broker owns the map from tool-use ID to pending request. The map is
// guarded by a single mutex so racing resolutions are linearized.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	timeout time.Duration

	onResolve OnResolveFunc
	log       *logrus.Entry
}

// New creates a broker. A timeout of zero disables automatic expiry.
func New(timeout time.Duration) *Broker {
	return &Broker{
		pending: make(map[string]*pending),
		timeout: timeout,
		log:     logging.NewLogger("broker"),
	}
}

// SetOnResolve registers the resolution observer. Must be called before the
// broker starts receiving requests.
func (b *Broker) SetOnResolve(fn OnResolveFunc) {
	b.onResolve = fn
}

// Open registers a pending request and returns the channel its decision
// will be delivered on. Fails with ErrDuplicateRequest if the tool-use ID
// is already pending.
func (b *Broker) Open(toolUseID string, req Request) (<-chan Decision, error) {
	b.mu.Lock()
	if _, exists := b.pending[toolUseID]; exists {
		b.mu.Unlock()
		return nil, ErrDuplicateRequest
	}

	p := &pending{
		req:      req,
		openedAt: time.Now(),
		ch:       make(chan Decision, 1),
	}
	if b.timeout > 0 {
		p.timer = time.AfterFunc(b.timeout, func() {
			// Tolerated if a decision won the race.
			_ = b.Resolve(toolUseID, Decision{Outcome: OutcomeTimedOut})
		})
	}
	b.pending[toolUseID] = p
	b.mu.Unlock()

	metrics.ApprovalsOpen.Inc()
	b.log.WithFields(logrus.Fields{
		"session_id":  req.SessionID,
		"tool_use_id": toolUseID,
		"tool_name":   req.ToolName,
	}).Debug("approval opened")

	return p.ch, nil
}

// Resolve completes a pending request exactly once. The entry is removed
// under the lock before the decision is written, so a second Resolve or
// Cancel on the same ID is a no-op, never a double write.
func (b *Broker) Resolve(toolUseID string, d Decision) error {
	b.mu.Lock()
	p, ok := b.pending[toolUseID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownRequest
	}
	delete(b.pending, toolUseID)
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- d

	metrics.ApprovalsOpen.Dec()
	metrics.ApprovalsResolved.WithLabelValues(string(d.Outcome)).Inc()
	b.log.WithFields(logrus.Fields{
		"session_id":  p.req.SessionID,
		"tool_use_id": toolUseID,
		"outcome":     d.Outcome,
	}).Debug("approval resolved")

	if b.onResolve != nil {
		b.onResolve(p.req.SessionID, toolUseID, d)
	}
	return nil
}

// Cancel resolves a request as canceled: a neutral "no UI decision" outcome
// so the hook script is never left blocked. Unknown IDs are ignored.
func (b *Broker) Cancel(toolUseID string) {
	_ = b.Resolve(toolUseID, Decision{Outcome: OutcomeCanceled})
}

// CancelSession cancels every pending request opened for a session.
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Cancel(id)
	}
}

// FailTransport resolves a request whose hook connection died before a
// decision arrived. The distinct outcome lets the UI show the approval as
// broken rather than silently hanging.
func (b *Broker) FailTransport(toolUseID string) {
	_ = b.Resolve(toolUseID, Decision{Outcome: OutcomeTransportFailed})
}

// Len reports the number of requests currently pending.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown cancels everything still pending.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Cancel(id)
	}
}
