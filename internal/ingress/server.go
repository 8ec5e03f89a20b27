// Package ingress accepts hook events from the coding assistant's hook
// scripts on a loopback HTTP endpoint. Approval-gated events hold their
// connection open until a decision is produced.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/notchapp/notchd/internal/broker"
	"github.com/notchapp/notchd/internal/hook"
	"github.com/notchapp/notchd/internal/logging"
	"github.com/notchapp/notchd/internal/metrics"
)

// Dispatcher routes validated events into the session registry.
type Dispatcher interface {
	Dispatch(ev hook.Event)
}

// decisionReply is the JSON body written to a hook script once its approval
// resolves. Neutral outcomes (canceled, timed out) get 204 instead.
type decisionReply struct {
	Decision     string `json:"decision"`
	Reason       string `json:"reason,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type Server struct {
	listen     string
	dispatcher Dispatcher
	broker     *broker.Broker
	server     *http.Server
	log        *logrus.Entry
}

func NewServer(listen string, dispatcher Dispatcher, b *broker.Broker) *Server {
	return &Server{
		listen:     listen,
		dispatcher: dispatcher,
		broker:     b,
		log:        logging.NewLogger("ingress"),
	}
}

// Handler returns the ingress routes. Split out for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/hooks", s.handleHook)
	return mux
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.listen,
		Handler: s.Handler(),
	}

	go func() {
		s.log.WithField("listen", s.listen).Info("hook ingress listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("ingress server error")
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ev, err := hook.Decode(r.Body)
	if err != nil {
		// Decode errors come from version skew in hook payloads, never
		// from user action: reject without mutating any session.
		metrics.DecodeErrors.Inc()
		s.log.WithError(err).Debug("rejected malformed hook payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	metrics.HookEvents.WithLabelValues(string(ev.Kind)).Inc()

	if ev.Kind != hook.KindPreToolUse || !ev.RequiresApproval {
		s.dispatcher.Dispatch(ev)
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	s.handleGated(w, r, ev)
}

// handleGated registers the approval with the broker, dispatches the event,
// and blocks until a decision arrives or the client goes away. The
// connection is never held across any session-wide lock, so a long-pending
// approval stalls nothing but its own hook script.
func (s *Server) handleGated(w http.ResponseWriter, r *http.Request, ev hook.Event) {
	toolUseID := ev.ToolUseID
	if toolUseID == "" {
		toolUseID = uuid.New().String()
		ev.ToolUseID = toolUseID
	}

	ch, err := s.broker.Open(toolUseID, broker.Request{
		SessionID: ev.SessionID,
		ToolName:  ev.ToolName,
		ToolInput: ev.ToolInput,
	})
	if err != nil {
		if errors.Is(err, broker.ErrDuplicateRequest) {
			// The original request stays pending and untouched.
			writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate tool_use_id"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.dispatcher.Dispatch(ev)

	select {
	case d := <-ch:
		s.writeDecision(w, ev, d)

	case <-r.Context().Done():
		// The hook script died while waiting. Surface a distinct failure
		// so the UI shows the approval as broken, not hanging.
		s.log.WithFields(logrus.Fields{
			"session_id":  ev.SessionID,
			"tool_use_id": toolUseID,
		}).Warn("hook connection lost while approval pending")
		s.broker.FailTransport(toolUseID)
	}
}

func (s *Server) writeDecision(w http.ResponseWriter, ev hook.Event, d broker.Decision) {
	switch d.Outcome {
	case broker.OutcomeAllow, broker.OutcomeDeny, broker.OutcomeDenyWithInstructions:
		writeJSON(w, http.StatusOK, decisionReply{
			Decision:     string(d.Outcome),
			Reason:       d.Reason,
			Instructions: d.Instructions,
		})
	default:
		// Canceled or timed out: no UI decision was made. The empty reply
		// unblocks the hook script and lets the assistant fall back to its
		// own prompt.
		w.WriteHeader(http.StatusNoContent)
	}

	s.log.WithFields(logrus.Fields{
		"session_id":  ev.SessionID,
		"tool_use_id": ev.ToolUseID,
		"outcome":     d.Outcome,
	}).Info("approval reply sent")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
