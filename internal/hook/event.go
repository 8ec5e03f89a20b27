// Package hook defines the wire model for lifecycle events emitted by the
// coding assistant's hook scripts.
package hook

import (
	"encoding/json"
	"time"
)

// Kind identifies the lifecycle point an event was emitted from.
type Kind string

const (
	KindPreToolUse       Kind = "pre_tool_use"
	KindPostToolUse      Kind = "post_tool_use"
	KindUserPromptSubmit Kind = "user_prompt_submit"
	KindStop             Kind = "stop"
	KindSessionStatus    Kind = "session_status"

	// Internal kinds. Produced by the coordinator itself, never accepted
	// from the wire.
	KindPermissionDecision Kind = "permission_decision"
	KindInterrupt          Kind = "interrupt"
)

// Session status strings carried by KindSessionStatus events.
const (
	StatusCompacting = "compacting"
	StatusEnded      = "ended"
)

// Decision outcome strings carried by KindPermissionDecision events and by
// approval replies on the wire.
const (
	DecisionAllow                = "allow"
	DecisionDeny                 = "deny"
	DecisionDenyWithInstructions = "deny_with_instructions"
	DecisionCanceled             = "canceled"
	DecisionTimedOut             = "timed_out"
	DecisionTransportFailed      = "transport_failed"
)

// Known reports whether the coordinator understands this event kind.
// Unknown kinds are logged and dropped, never fatal.
func Known(k Kind) bool {
	switch k {
	case KindPreToolUse, KindPostToolUse, KindUserPromptSubmit, KindStop,
		KindSessionStatus, KindPermissionDecision, KindInterrupt:
		return true
	}
	return false
}

// Event is an immutable record of one hook firing. Events are the only
// mutation channel into a session.
type Event struct {
	Kind             Kind            `json:"kind"`
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd,omitempty"`
	ToolUseID        string          `json:"tool_use_id,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolInput        json.RawMessage `json:"tool_input,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	ToolError        bool            `json:"tool_error,omitempty"`
	Prompt           string          `json:"prompt,omitempty"`
	Status           string          `json:"status,omitempty"`
	TTY              string          `json:"tty,omitempty"`
	PID              int             `json:"pid,omitempty"`
	TranscriptPath   string          `json:"transcript_path,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`

	// Populated on KindPermissionDecision events only.
	Decision     string `json:"decision,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}
