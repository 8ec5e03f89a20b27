// Package protocol defines the WebSocket wire contract between the
// coordinator and the shell UI.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/notchapp/notchd/internal/session"
)

// Message is the envelope for all UI WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionsSnapshot = "sessions.snapshot"
	TypeError            = "error"
)

// Client → Server message types.
const (
	TypeApprove = "session.approve"
	TypeDeny    = "session.deny"
	TypeAnswer  = "session.answer"
	TypeArchive = "session.archive"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrNoPendingApproval = "NO_PENDING_APPROVAL"
	ErrPaneNotFound      = "PANE_NOT_FOUND"
	ErrInvalidMessage    = "INVALID_MESSAGE"
)

// Server → Client payloads.

type SnapshotPayload struct {
	Sessions []session.Session `json:"sessions"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client → Server payloads.

type ApprovePayload struct {
	SessionID string `json:"sessionId"`
}

type DenyPayload struct {
	SessionID    string `json:"sessionId"`
	Reason       string `json:"reason,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type AnswerPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type ArchivePayload struct {
	SessionID string `json:"sessionId"`
}
