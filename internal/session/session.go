// Package session holds the authoritative per-session state and the pure
// transition function that replays hook events over it.
package session

import (
	"encoding/json"
	"time"
)

// Phase is the derived lifecycle state of a session. Exactly one phase per
// session at any instant; callers never set it directly.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseProcessing      Phase = "processing"
	PhaseWaitingApproval Phase = "waiting_for_approval"
	PhaseCompacting      Phase = "compacting"
	PhaseInterrupted     Phase = "interrupted"
	PhaseEnded           Phase = "ended"
)

// ToolStatus tracks a tool-call history entry through its lifecycle.
type ToolStatus string

const (
	ToolPendingApproval ToolStatus = "pending_approval"
	ToolRunning         ToolStatus = "running"
	ToolSucceeded       ToolStatus = "succeeded"
	ToolFailed          ToolStatus = "failed"
	ToolDenied          ToolStatus = "denied"
	ToolCanceled        ToolStatus = "canceled"
	ToolTimedOut        ToolStatus = "timed_out"
	ToolInterrupted     ToolStatus = "interrupted"
)

// terminal reports whether a tool status may no longer change. A late
// decision must never overwrite a terminal status.
func (s ToolStatus) terminal() bool {
	switch s {
	case ToolSucceeded, ToolFailed, ToolDenied, ToolCanceled, ToolTimedOut, ToolInterrupted:
		return true
	}
	return false
}

// Role distinguishes history entries.
type Role string

const (
	RoleUser Role = "user"
	RoleTool Role = "tool"
)

// HistoryEntry is one item of a session's ordered chat/tool history.
type HistoryEntry struct {
	Role      Role            `json:"role"`
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Status    ToolStatus      `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Permission is the approval request currently surfaced to the user.
type Permission struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	OpenedAt  time.Time       `json:"opened_at"`

	// Broken marks a request whose hook connection died before a decision
	// arrived. The UI shows the affordance as broken instead of hanging.
	Broken bool `json:"broken,omitempty"`
}

// Session is the state for one coding-assistant run. It is a value type:
// Reduce returns a new Session and never mutates its input.
type Session struct {
	ID             string      `json:"id"`
	WorkDir        string      `json:"work_dir"`
	TTY            string      `json:"tty,omitempty"`
	PID            int         `json:"pid,omitempty"`
	TranscriptPath string      `json:"transcript_path,omitempty"`
	Phase          Phase       `json:"phase"`
	ResumePhase    Phase       `json:"-"` // phase to restore after compacting
	Active         *Permission `json:"active_permission,omitempty"`

	History []HistoryEntry `json:"history"`

	// NeedsAttention is derived from phase and permission state on every
	// transition.
	NeedsAttention bool `json:"needs_attention"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a fresh idle session.
func New(id, workDir string, now time.Time) Session {
	return Session{
		ID:        id,
		WorkDir:   workDir,
		Phase:     PhaseIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. Snapshots published to subscribers are clones,
// so consumers can never observe a torn update.
func (s Session) Clone() Session {
	c := s
	if s.Active != nil {
		active := *s.Active
		c.Active = &active
	}
	if s.History != nil {
		c.History = make([]HistoryEntry, len(s.History))
		copy(c.History, s.History)
	}
	return c
}
